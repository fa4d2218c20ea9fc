// Package offchat wires the client-side offline messaging coordinator: a
// subsystem that keeps accepting chat actions while disconnected, durably
// queues them, retries with bounded backoff once connectivity returns,
// merges optimistic local state with authoritative server records, and keeps
// enough cached history for an offline-usable UI.
//
// The embedding application supplies two adapters through its fx graph: a
// transport.Sender carrying outbound messages to the server, and a
// connectivity.Environment surfacing the host's online/offline and
// visibility signals. Inbound server events are published on the shared
// bus.Bus under the "remote." namespace; the realtime merger reconciles them
// with the cache.
//
//	app := fx.New(
//		offchat.Module(offchat.Params{Config: cfg}),
//		fx.Provide(newMySender, newMyEnvironment),
//		fx.Invoke(func(c *coordinator.Coordinator) { ... }),
//	)
package offchat
