package log

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Attr attaches a field to a logger context.
type Attr func(zerolog.Context) zerolog.Context

func Scope(scope string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(scopeKey, scope)
	}
}

// NS renders a namespace. An empty collection renders the database only.
func NS(db, coll string) Attr {
	ns := db
	if coll != "" {
		ns += "." + coll
	}

	return func(c zerolog.Context) zerolog.Context {
		return c.Str(nsKey, ns)
	}
}

func Op(op string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(opKey, op)
	}
}

// OpTime renders a BSON timestamp as "T.I".
func OpTime(t, i uint32) Attr {
	ts := strconv.FormatUint(uint64(t), 10) + "." + strconv.FormatUint(uint64(i), 10)

	return func(c zerolog.Context) zerolog.Context {
		return c.Str(optimeKey, ts)
	}
}

func Elapsed(d time.Duration) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Float64(elapsedKey, d.Seconds())
	}
}

func Count(v int64) Attr {
	return Int64(countKey, v)
}

func Size(v int64) Attr {
	return Int64(sizeKey, v)
}

func Int64(key string, v int64) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Int64(key, v)
	}
}

func String(key, v string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str(key, v)
	}
}

func Field(key string, v any) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Interface(key, v)
	}
}
