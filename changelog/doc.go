// Package changelog implements the internal, key-compacted log that every
// replica materializes from.
//
// The republisher is the only writer. Each serving node opens its own Reader,
// replays from the earliest retained entry and then keeps following new
// appends. Entries for one key always land on one partition, so per-key order
// is exactly log order; nothing is promised across keys.
//
// # Backends
//
//   - KafkaWriter / KafkaReader: a compacted Kafka topic. The writer hashes
//     the key to choose a partition and waits for all in-sync replicas. The
//     reader consumes every partition from the first offset without a
//     consumer group, so each node sees the whole log.
//   - NatsLog / NatsReader: a JetStream stream with MaxMsgsPerSubject=1 and
//     one subject per key ({subject}.{base64url key}).
//   - PebbleLog / PebbleReader: a single-node durable log.
//   - MemoryLog / MemoryReader: in-process, for tests and embedding.
//
// # Bootstrap
//
// Reader.Watermark snapshots the end of log. A Progress built from that
// snapshot reports when consumption has reached it on every partition,
// which is when a replica may start serving lookups:
//
//	w, err := reader.Watermark(ctx)
//	if err != nil {
//		return err
//	}
//	progress := changelog.NewProgress(w)
//	for !progress.Done() {
//		entry, err := reader.Next(ctx)
//		if err != nil {
//			return err
//		}
//		apply(entry)
//		progress.Observe(entry.Position)
//	}
package changelog
