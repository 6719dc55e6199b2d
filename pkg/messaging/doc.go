// Package messaging provides the two channels the decision engine talks
// through.
//
// Control is request/response: each method has at most one handler and a
// call returns that handler's reply. Status is publish/subscribe: events are
// delivered to every subscriber in publish order, and Publish blocks rather
// than drop an event.
//
// Server exposes a Control, and optionally a Status stream, on a unix socket
// using one JSON object per line. Client is its counterpart. Classified
// errors survive the trip, so errors.Is works on the client side:
//
//	err := client.Call(ctx, messaging.MethodTriggerAudit, req, &reply)
//	if errors.Is(err, engine.ErrOverloaded) {
//		// retry later
//	}
package messaging
