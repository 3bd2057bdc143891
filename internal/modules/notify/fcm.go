// README: FCM backend: push notifications to passenger and driver topics.
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	"fleetdispatch/internal/modules/dispatch"
)

// DriversTopic receives pool changes for every on-duty driver app.
const DriversTopic = "drivers"

type messageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type FCMPublisher struct {
	client messageSender
}

func NewFCMPublisher(client *messaging.Client) *FCMPublisher {
	return &FCMPublisher{client: client}
}

func (p *FCMPublisher) Publish(ctx context.Context, e dispatch.Event) error {
	msg := buildMessage(e)
	if msg == nil {
		return nil
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send to %s: %w", msg.Topic, err)
	}
	return nil
}

// PassengerTopic is the per-passenger topic the passenger app subscribes to.
func PassengerTopic(passengerID string) string {
	return "passenger-" + passengerID
}

func buildMessage(e dispatch.Event) *messaging.Message {
	data := map[string]string{
		"event_type": string(e.Type),
		"request_id": string(e.RequestID),
		"trip_id":    string(e.TripID),
	}
	passenger, _ := e.Payload["passenger_id"].(string)

	var topic, title, body string
	switch e.Type {
	case dispatch.EventRequestSubmitted:
		dest, _ := e.Payload["destination"].(string)
		topic, title, body = DriversTopic, "New trip request", "Destination: "+dest
	case dispatch.EventRequestAccepted:
		driver, _ := e.Payload["driver_name"].(string)
		vehicle, _ := e.Payload["vehicle_label"].(string)
		topic, title, body = PassengerTopic(passenger), "Request accepted", fmt.Sprintf("%s will pick you up in %s", driver, vehicle)
	case dispatch.EventRequestRejected:
		topic, title, body = PassengerTopic(passenger), "Request declined", "Your request was declined"
	case dispatch.EventRequestCompleted:
		topic, title, body = PassengerTopic(passenger), "Arrived", "Your trip is complete"
	default:
		return nil
	}
	if topic == PassengerTopic("") {
		return nil
	}
	return &messaging.Message{
		Topic: topic,
		Data:  data,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
}
