package stream

import "errors"

var (
	// ErrStreamInGracefulShutdown is returned by Publish and Subscribe
	// once the stream has started tearing down.
	ErrStreamInGracefulShutdown = errors.New("stream is in graceful shutdown")

	// ErrPublisherReleased is returned by Publish on a stream whose
	// publisher has been moved to an external holder.
	ErrPublisherReleased = errors.New("publish on stream with released publisher")

	// ErrPublisherAlreadyOwned is returned by AcquirePublisher when the
	// stream still owns its publisher.
	ErrPublisherAlreadyOwned = errors.New("stream publisher already owned")

	// ErrPublisherAlreadyReleased is returned by MovePublisherTo when the
	// publisher has already been moved out.
	ErrPublisherAlreadyReleased = errors.New("stream publisher already released")

	// ErrUnsupportedSchemaFormat is returned by Schema renderings for an
	// unknown language.
	ErrUnsupportedSchemaFormat = errors.New("unsupported schema format requested")
)
