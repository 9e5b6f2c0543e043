package trdpengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/pkg/cache"
	"github.com/c360/trdpsim/stack"
)

// LabelIDs is the result of resolving a vehicle label through the train
// directory: the TCN consist and vehicle numbers plus the operational
// consist number.
type LabelIDs struct {
	TcnCst uint8 `json:"tcnCst"`
	TcnVeh uint8 `json:"tcnVeh"`
	OpCst  uint8 `json:"opCst"`
}

// URIToIP resolves a TRDP URI (for example "devECSC.anyVeh.lCst") to an IP
// address through the train directory. useCache consults and fills the
// resolution cache; pass false to force a fresh lookup.
func (e *Engine) URIToIP(uri string, useCache bool) (netip.Addr, error) {
	e.trimCaches()

	cacheEnabled := e.cacheEnabled()
	if useCache && cacheEnabled {
		if addr, ok := e.uriCacheRef().Get(uri); ok {
			e.metrics.recordDnrLookup("uri", "hit")
			return addr, nil
		}
	}

	dnr, err := e.resolver("URIToIP", "URI lookups are disabled")
	if err != nil {
		e.metrics.recordDnrLookup("uri", "unavailable")
		return netip.Addr{}, err
	}

	addr, err := dnr.URIToIP(uri)
	if err != nil {
		e.logger.Warn("URI resolution failed", "uri", uri, "error", err)
		e.metrics.recordDnrLookup("uri", "failed")
		return netip.Addr{}, errors.WrapTransient(err, "engine", "URIToIP",
			fmt.Sprintf("resolve %q", uri))
	}

	if useCache && cacheEnabled {
		e.uriCacheRef().Set(uri, addr)
	}
	e.metrics.recordDnrLookup("uri", "resolved")
	return addr, nil
}

// IPToURI resolves an IP address back to its TRDP URI.
func (e *Engine) IPToURI(ip netip.Addr, useCache bool) (string, error) {
	if !ip.Is4() && !ip.Is4In6() {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "engine", "IPToURI",
			"address must be IPv4")
	}

	e.trimCaches()

	key := ipCacheKey(ip)
	cacheEnabled := e.cacheEnabled()
	if useCache && cacheEnabled {
		if uri, ok := e.ipCacheRef().Get(key); ok {
			e.metrics.recordDnrLookup("ip", "hit")
			return uri, nil
		}
	}

	dnr, err := e.resolver("IPToURI", "address lookups are disabled")
	if err != nil {
		e.metrics.recordDnrLookup("ip", "unavailable")
		return "", err
	}

	uri, err := dnr.IPToURI(ip)
	if err != nil {
		e.logger.Warn("address resolution failed", "ip", ip.String(), "error", err)
		e.metrics.recordDnrLookup("ip", "failed")
		return "", errors.WrapTransient(err, "engine", "IPToURI",
			fmt.Sprintf("resolve %s", ip))
	}

	if useCache && cacheEnabled {
		e.ipCacheRef().Set(key, uri)
	}
	e.metrics.recordDnrLookup("ip", "resolved")
	return uri, nil
}

// LabelToIDs resolves a vehicle label to its TCN and operational numbers.
// Both directory queries must succeed; a partial result is not cached.
func (e *Engine) LabelToIDs(label string, useCache bool) (LabelIDs, error) {
	e.trimCaches()

	cacheEnabled := e.cacheEnabled()
	if useCache && cacheEnabled {
		if ids, ok := e.labelCacheRef().Get(label); ok {
			e.metrics.recordDnrLookup("label", "hit")
			return ids, nil
		}
	}

	dnr, err := e.resolver("LabelToIDs", "label lookups are disabled")
	if err != nil {
		e.metrics.recordDnrLookup("label", "unavailable")
		return LabelIDs{}, err
	}

	tcnVeh, tcnCst, err := dnr.Label2CstVehNo(label)
	if err != nil {
		e.logger.Warn("label resolution failed", "label", label, "error", err)
		e.metrics.recordDnrLookup("label", "failed")
		return LabelIDs{}, errors.WrapTransient(err, "engine", "LabelToIDs",
			fmt.Sprintf("resolve %q", label))
	}
	opCst, err := dnr.Label2OpCstNo(label)
	if err != nil {
		e.logger.Warn("label resolution failed", "label", label, "error", err)
		e.metrics.recordDnrLookup("label", "failed")
		return LabelIDs{}, errors.WrapTransient(err, "engine", "LabelToIDs",
			fmt.Sprintf("resolve %q", label))
	}

	ids := LabelIDs{TcnCst: tcnCst, TcnVeh: tcnVeh, OpCst: opCst}
	if useCache && cacheEnabled {
		e.labelCacheRef().Set(label, ids)
	}
	e.metrics.recordDnrLookup("label", "resolved")
	return ids, nil
}

// resolver returns the stack's DNR capability if lookups can be served
// right now. Unavailability is logged once per reason; the reason is
// re-logged only when it changes, so a polling client does not flood the
// log.
func (e *Engine) resolver(method, what string) (stack.DNR, error) {
	e.mu.Lock()
	initialized := e.dnrInitialized
	hasSession := len(e.pdPorts) > 0 || len(e.mdPorts) > 0
	e.mu.Unlock()

	if e.deps.Stack == nil {
		e.warnDnrUnavailable("TRDP stack not present; " + what)
		return nil, errors.WrapInvalid(errors.ErrDnrUnavailable, "engine", method, what)
	}
	dnr, ok := e.deps.Stack.DNR()
	if !ok {
		e.warnDnrUnavailable("stack has no DNR support; " + what)
		return nil, errors.WrapInvalid(errors.ErrDnrUnavailable, "engine", method, what)
	}
	if !initialized {
		e.warnDnrUnavailable("DNR not initialised; " + what)
		return nil, errors.WrapInvalid(errors.ErrDnrUnavailable, "engine", method, what)
	}
	if !hasSession {
		return nil, errors.WrapTransient(errors.ErrNotReady, "engine", method,
			"no TRDP session active")
	}
	return dnr, nil
}

// warnDnrUnavailable logs an unavailability reason, suppressing repeats of
// the same reason until a different one is seen.
func (e *Engine) warnDnrUnavailable(reason string) {
	e.dnrWarnMu.Lock()
	repeat := e.dnrWarnLast == reason
	e.dnrWarnLast = reason
	e.dnrWarnMu.Unlock()
	if repeat {
		return
	}
	e.logger.Warn(reason)
}

// cacheEnabled reports whether the resolution caches are configured on.
func (e *Engine) cacheEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Cache.Enabled
}

// Cache accessors snapshot the instance references under the engine lock;
// Reconfigure swaps the instances when cache settings change.
func (e *Engine) uriCacheRef() cache.Cache[string, netip.Addr] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uriCache
}

func (e *Engine) ipCacheRef() cache.Cache[uint32, string] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ipCache
}

func (e *Engine) labelCacheRef() cache.Cache[string, LabelIDs] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.labelCache
}

// trimCaches clears the resolution caches when caching is disabled, and
// otherwise evicts expired and over-capacity entries.
func (e *Engine) trimCaches() {
	e.mu.Lock()
	enabled := e.cfg.Cache.Enabled
	uriCache, ipCache, labelCache := e.uriCache, e.ipCache, e.labelCache
	e.mu.Unlock()

	if !enabled {
		uriCache.Clear()
		ipCache.Clear()
		labelCache.Clear()
		return
	}
	uriCache.Trim()
	ipCache.Trim()
	labelCache.Trim()
}

// rebuildCachesLocked replaces the resolution cache instances from the
// current cache configuration. Caller holds the engine lock.
func (e *Engine) rebuildCachesLocked() error {
	ctx := context.Background()

	uriCache, err := cache.NewFromConfig[string, netip.Addr](ctx, e.cfg.Cache)
	if err != nil {
		return errors.WrapInvalid(err, "engine", "rebuildCaches", "URI cache")
	}
	ipCache, err := cache.NewFromConfig[uint32, string](ctx, e.cfg.Cache)
	if err != nil {
		return errors.WrapInvalid(err, "engine", "rebuildCaches", "IP cache")
	}
	labelCache, err := cache.NewFromConfig[string, LabelIDs](ctx, e.cfg.Cache)
	if err != nil {
		return errors.WrapInvalid(err, "engine", "rebuildCaches", "label cache")
	}

	if e.uriCache != nil {
		e.uriCache.Close()
	}
	if e.ipCache != nil {
		e.ipCache.Close()
	}
	if e.labelCache != nil {
		e.labelCache.Close()
	}
	e.uriCache = uriCache
	e.ipCache = ipCache
	e.labelCache = labelCache
	return nil
}

// ipCacheKey packs an IPv4 address into the ordered cache key space.
func ipCacheKey(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}
