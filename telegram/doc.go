// Package telegram implements the TRDP configuration model: dataset and
// telegram definitions with typed fixed-offset fields, the little-endian
// binary codec that projects typed values to and from wire buffers, the
// per-telegram runtime value state, and the registry that owns all of it.
//
// The model follows the IEC 61375-2-3 configuration shape. A DatasetDef
// describes a fixed record layout; a TelegramDef binds a dataset to a ComId,
// a direction, and transport parameters; a Runtime carries the live field
// values and the encoded wire buffer for one telegram.
//
// The codec is deliberately forgiving: telegrams on the wire may be truncated
// or padded, so encode and decode never fail. Unset values, tag mismatches,
// and fields that fall outside the buffer are skipped and their bytes left
// zero, producing a best-effort typed view of whatever arrived.
//
// Registry is safe for concurrent use. Definitions handed out by the registry
// are copies; runtimes are shared handles with their own internal locking.
package telegram
