package content

import (
	"context"

	"watchkeeper/internal/models"
)

// Provider supplies playable items for the automated broadcast path.
// The supervisor treats it as opaque: what plays is the provider's
// business, whether something plays is ours.
type Provider interface {
	// NextItem returns the item the automated scene should play next.
	NextItem(ctx context.Context) (*models.PlayableItem, error)

	// ReportFailure tells the provider an item could not be played so it
	// can be skipped on the next rotation.
	ReportFailure(ctx context.Context, item *models.PlayableItem, reason string) error

	// Healthy reports whether the provider can currently serve content.
	Healthy(ctx context.Context) error
}
