// Package config loads and validates the daemon configuration.
//
// Configuration is resolved in priority order: command-line flags, then
// TRDPSIM_* environment variables, then a YAML file, then built-in
// defaults. Later layers only override fields they actually set, so a
// partial file keeps the defaults for everything it omits.
//
// # Structure
//
// Config: Top-level structure with four sections. Server holds the HTTP
// gateway settings (listen address, rate limits, CORS). Engine mirrors
// the simulation engine's runtime knobs in a file-friendly shape, with
// durations written as Go duration strings. NATS configures the optional
// event bridge; an empty URL leaves it disabled. Record configures the
// optional JSONL trace recorder; an empty path leaves it disabled.
//
// # Basic Usage
//
// Loading with environment overlay and validation:
//
//	cfg, err := config.Load("configs/trdpsim.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng, err := engine.New(deps, cfg.Engine.ToEngine())
//
// An empty path skips the file and uses defaults plus environment only.
//
// # Environment Variables
//
// Every engine knob has a TRDPSIM_* counterpart, for example
// TRDPSIM_XML_PATH, TRDPSIM_ENABLE_DNR, TRDPSIM_DNR_MODE,
// TRDPSIM_CACHE_TTL, TRDPSIM_ECSP_POLL_INTERVAL, TRDPSIM_NATS_URL and
// TRDPSIM_RECORD_PATH.
// Duration variables accept Go duration strings ("500ms", "1s").
// Malformed values are ignored rather than masking the file-backed
// setting.
package config
