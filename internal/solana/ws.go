package solana

import "context"

// WSClient defines the Solana WebSocket subscription interface. The
// trading core only needs slot notifications, used to keep a cached
// recent blockhash warm between transaction submissions.
type WSClient interface {
	// SubscribeSlots subscribes to slot notifications.
	SubscribeSlots(ctx context.Context) (<-chan SlotNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}

// SlotNotification represents a slotNotification message.
type SlotNotification struct {
	Slot   int64
	Parent int64
	Root   int64
}
