package user

import "cipherchat/internal/chat"

type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FullName  string `json:"full_name"`
	PublicKey string `json:"public_key,omitempty"` // PEM, used by others to wrap message keys
}

// Info is the public view of a user.
func (u *User) Info() chat.UserInfo {
	return chat.UserInfo{
		ID:        chat.IntID(u.ID),
		Username:  u.Username,
		FullName:  u.FullName,
		PublicKey: u.PublicKey,
	}
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
	PublicKey string `json:"public_key"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
}
