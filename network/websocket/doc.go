// Package websocket bridges a pipeline to browser clients over WebSocket.
//
// A Bridge is a sink. Every item it receives is marshaled to JSON, wrapped in
// a "data" Envelope and written to each connected client. A client whose write
// fails or times out is dropped without affecting the others.
//
//	bridge, err := websocket.NewBridge[Reading](readings, cfg.WebSocket, manager.Metrics(),
//	    network.WithStageOptions(pipeline.WithManager(manager)))
//
// # Client Events
//
// Clients talk back with signal frames:
//
//	{"type": "signal", "signal": "click", "payload": {"x": 3, "y": 4}}
//
// Each one is raised on the bridge's signal port of that name with an Event
// payload, so any stage can react with OnSignal:
//
//	offset.OnSignal(bridge.Port("click"), func(payload any) {
//	    ev := payload.(websocket.Event)
//	    ...
//	})
//
// Frames of any other type are ignored.
//
// # Lifecycle
//
// The HTTP listener is opened by NewBridge, so clients may connect before the
// stage starts; they only receive items once it runs. Stopping the stage sends
// every client a going-away close frame, closes the listener and waits for the
// per-client read loops to end. Clients are pinged every 30 seconds and dropped
// when no pong arrives within a minute.
package websocket
