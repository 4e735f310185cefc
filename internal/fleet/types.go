package fleet

import "time"

// User is a fleet platform account visible to administrators.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// Role groups permissions granted to users.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Driver links a platform user to a fleet driver profile.
type Driver struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Trip is an active or scheduled trip assigned to a driver.
type Trip struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	VehicleID string    `json:"vehicle_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Existence is the answer to "are any users registered yet". A heuristic
// fallback answer is marked non-authoritative and must not be trusted for
// anything beyond choosing a default screen.
type Existence struct {
	Exists        bool `json:"exists"`
	Authoritative bool `json:"-"`
}

// SignupParams carries the fields for account creation.
type SignupParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
}

// CreateUserParams carries the fields for an admin-created account.
type CreateUserParams struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}
