// Package account holds the read-only view of registered users needed for
// checkout. Registration and login live in a separate service.
package account

import "errors"

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
