package port

import "github.com/Wyydra/yacall/internal/core/domain"

// Client is one realtime connection owned by a user.
type Client interface {
	ID() string
	UserID() domain.UserID
	Send(msg domain.Message) error
	Close() error
}
