package bridge

import "errors"

var (
	// ErrSourceFetch wraps any failure resolving or fetching one source.
	// The cycle logs it and continues with the remaining sources.
	ErrSourceFetch = errors.New("source fetch failed")

	// ErrTransient marks a send failure worth retrying on the next cycle.
	ErrTransient = errors.New("transient dispatch failure")

	// ErrPayloadTooLarge is returned by sinks when the destination rejects
	// the attachment size. The dispatcher falls back to text only.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrPermanent marks a send failure that will not heal by itself, such
	// as an unknown destination. The item is still left unmarked.
	ErrPermanent = errors.New("permanent dispatch failure")

	// ErrMediaTimedOut is returned by the media guard when the transfer
	// exceeds its time budget.
	ErrMediaTimedOut = errors.New("media fetch timed out")

	// ErrMediaTooLarge is returned by the media guard when the attachment
	// exceeds its byte budget.
	ErrMediaTooLarge = errors.New("media exceeds size limit")

	// ErrCycleInProgress is returned by RunCycle when another cycle holds
	// the guard.
	ErrCycleInProgress = errors.New("poll cycle already in progress")

	// ErrStateCorrupt is returned by checkpoint backends when persisted
	// state cannot be decoded.
	ErrStateCorrupt = errors.New("persisted state is corrupt")
)
