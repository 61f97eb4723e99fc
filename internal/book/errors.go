package book

import "errors"

var (
	// ErrEmptyBook is returned when a side has no levels. Treat as "no signal yet".
	ErrEmptyBook = errors.New("book side is empty")
	// ErrInsufficientDepth is returned when a two-sided quantity is requested
	// while either side is empty.
	ErrInsufficientDepth = errors.New("book has insufficient depth")
	// ErrInvalidState is returned when an update is applied to a book that has
	// not been seeded by a snapshot. It indicates a classification bug.
	ErrInvalidState = errors.New("update applied to invalid book")
	// ErrInstrumentMismatch is returned when a message for another instrument
	// reaches this book.
	ErrInstrumentMismatch = errors.New("message instrument does not match book")
)
