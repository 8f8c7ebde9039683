package staff

import (
	"time"
)

// Staff maps to the staff_member table. ID is the subject of the staff
// member's access token.
type Staff struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role"`
	BranchID  string    `db:"branch_id" json:"branch_id"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
