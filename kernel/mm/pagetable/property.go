package pagetable

import "strings"

// PageFlags describes the access permissions and status bits of a mapping.
type PageFlags uint8

const (
	// FlagRead is set if the page can be read from.
	FlagRead PageFlags = 1 << iota

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if instructions can be fetched from the page.
	FlagExec

	// FlagAccessed is set by the MMU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when this page is modified.
	FlagDirty
)

// PrivFlags describes the privileged attributes of a mapping.
type PrivFlags uint8

const (
	// PrivUser is set if user-mode code can access this page. If not set only
	// kernel code can access it.
	PrivUser PrivFlags = 1 << iota

	// PrivGlobal prevents the TLB from flushing the cached translation for
	// this page when switching page tables.
	PrivGlobal
)

// CachePolicy selects the caching behavior for a mapping.
type CachePolicy uint8

const (
	// CacheWriteBack is the default caching policy.
	CacheWriteBack CachePolicy = iota

	// CacheWriteThrough implies write-through caching.
	CacheWriteThrough

	// CacheUncacheable prevents the page from being cached.
	CacheUncacheable
)

// Property describes the protection and metadata of a single mapping.
type Property struct {
	Flags PageFlags
	Priv  PrivFlags
	Cache CachePolicy
}

// HasFlags returns true if all of the specified flags are set.
func (f PageFlags) HasFlags(flags PageFlags) bool {
	return f&flags == flags
}

// HasAnyFlag returns true if at least one of the specified flags is set.
func (f PageFlags) HasAnyFlag(flags PageFlags) bool {
	return f&flags != 0
}

// String returns a compact description of the flags, e.g. "rw-a-".
func (f PageFlags) String() string {
	var sb strings.Builder
	for i, ch := range "rwxad" {
		if f&(1<<uint(i)) != 0 {
			sb.WriteRune(ch)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

func (c CachePolicy) String() string {
	switch c {
	case CacheWriteBack:
		return "write-back"
	case CacheWriteThrough:
		return "write-through"
	case CacheUncacheable:
		return "uncacheable"
	default:
		return "unknown"
	}
}
