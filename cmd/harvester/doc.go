// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Work distribution: targets load from a CSV or newline file, normalize
//     into stable ids, and flow through a bounded in-memory queue that
//     dedupes against queued and already-processed targets. A separate retry
//     lane keeps failed targets from blocking fresh work.
//   - Agents: one browser-driven agent per credential identity, each with
//     its own session state machine (authenticate, harvest, cooldown,
//     reinitialize, withdraw). Pacing windows, session caps, and cooldowns
//     are randomized so no agent settles into a fingerprintable cadence.
//   - Checkpointing: per-target activity markers and the processed flag
//     persist through the configured backend (memory, SQLite, or Postgres),
//     so a restarted run resumes where the last one stopped and replays
//     land in idempotent upserts. Agent cooldowns persist the same way.
//   - Dedup/merge: raw activity batches are filtered against checkpoint
//     markers, normalized, and grouped by (engaged URL, normalized text)
//     with comment text taking precedence within a group.
//   - Reporting: outcome events batch through a hub into zap logs,
//     Prometheus collectors, and optionally Pub/Sub. A chi server exposes
//     /healthz, /status, and /metrics.
//
// Run locally: go run ./cmd/harvester run --target-file targets.csv
// --credentials-file credentials.toml (or rely on HARVESTER_* env
// overrides). The process reacts to SIGINT/SIGTERM with a graceful drain.
package main
