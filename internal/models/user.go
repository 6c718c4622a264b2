package models

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Premium     bool   `json:"premium,omitempty"`
	Guest       bool   `json:"guest,omitempty"`
}
