// Package testutil provides helpers for testing pipelines and network stages.
//
// # Stages
//
// SliceSource emits a fixed list of items, Feed emits whatever the test
// pushes, and Collector records everything it receives:
//
//	m := pipeline.NewManager()
//	feed := testutil.NewFeed[int]("numbers", pipeline.WithManager(m))
//	got := testutil.NewCollector[int]("got", feed, pipeline.WithManager(m))
//	testutil.StartManager(t, m)
//
//	feed.Push(1, 2, 3)
//	assert.Equal(t, []int{1, 2, 3}, got.WaitFor(t, 3))
//
// StartManager registers a shutdown with t.Cleanup. WaitForState and
// Eventually poll until a condition holds or DefaultWait passes.
//
// # Network
//
// DialLines connects a newline-delimited TCP client to a server under test.
// ListenUDP binds a loopback socket on a free port.
//
// # NATS
//
// MockNATSClient is an in-memory stand-in for natsclient.Client with the same
// Publish and Subscribe signatures. Handlers run synchronously inside Publish
// and a subscription ends when its context does:
//
//	client := testutil.NewMockNATSClient()
//	reader, _ := natsbridge.NewTextReader(client, "events")
//	...
//	assert.Equal(t, 1, client.Subscribers("events"))
//
// Use natsclient.NewTestClient when the behavior under test depends on a real
// server.
package testutil
