// Package cache provides the plain key/value cache consulted by the
// cache-aside orchestrator, with several backends and a type-safe generic
// accessor.
//
// # Cache Interface
//
// The [Cache] interface defines [Cache.Get], [Cache.Set], [Cache.Remove],
// [Cache.RemoveByPattern] and [Cache.Close]. Every operation takes a
// context, which bounds I/O for remote backends.
//
// The interface uses [any] for values because Go does not allow generic
// methods on interfaces. Type safety comes from the package-level [Get].
//
// # Implementations
//
//   - [NewInMemory]: in-process map split into lock shards. Values are stored
//     as-is, so mutations to stored pointers are visible through the cache.
//     Expired entries are removed lazily on read and by a background sweep
//     ([WithExpiryCheck]). Patterns use [path.Match] syntax.
//
//   - [NewRedis]: values are msgpack encoded and written with SET PX, so
//     expiry is enforced by Redis. Keys can be namespaced with [WithPrefix].
//     Each command runs under [DefaultQueryTimeout] ([WithQueryTimeout]).
//     Pattern removal uses SCAN MATCH and deletes in batches. Transport
//     failures are marked with store.ErrUnavailable.
//
//   - [NewComposite]: chains layers. Reads stop at the first hit; writes and
//     removals go to every layer.
//
// # Typed access
//
//	found, product, err := cache.Get[Product](ctx, c, "product:42")
//
// For the in-memory backend the stored value is type asserted. For Redis the
// payload is decoded with msgpack into a new T, so the type must round-trip
// through msgpack.
//
// # Expiry
//
// A TTL <= 0 passed to Set falls back to the configured default
// ([DefaultExpires], overridable with [WithExpires]).
package cache
