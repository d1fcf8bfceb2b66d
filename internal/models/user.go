package models

// User is the display identity resolved through the identity directory.
type User struct {
	ID    string `json:"id" mapstructure:"id"`
	Email string `json:"email" mapstructure:"email"`
	Name  string `json:"name" mapstructure:"name"`
	Role  string `json:"role" mapstructure:"role"`
	Dept  string `json:"dept" mapstructure:"dept"`
}
