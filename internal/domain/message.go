package domain

import "time"

// Message es un mensaje directo persistido entre dos usuarios.
type Message struct {
	ID          string    `json:"id"`
	SenderID    int64     `json:"senderId"`
	RecipientID int64     `json:"recipientId"`
	Content     string    `json:"content"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Involves indica si el usuario participa en el mensaje.
func (m Message) Involves(userID int64) bool {
	return m.SenderID == userID || m.RecipientID == userID
}
