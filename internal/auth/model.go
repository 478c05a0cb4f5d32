package auth

import "time"

type Role string

const (
	RoleMSPAdmin     Role = "msp_admin"
	RoleCompanyAdmin Role = "company_admin"
	RoleTechnician   Role = "technician"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMSPAdmin, RoleCompanyAdmin, RoleTechnician:
		return true
	}
	return false
}

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CompanyID    string    `json:"company_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CanAccessCompany reports whether u may read or act on companyID. MSP admins
// operate across every company.
func (u *User) CanAccessCompany(companyID string) bool {
	if u.Role == RoleMSPAdmin {
		return true
	}
	return companyID != "" && u.CompanyID == companyID
}

// IsAdmin is true for roles allowed to change company configuration.
func (u *User) IsAdmin() bool {
	return u.Role == RoleMSPAdmin || u.Role == RoleCompanyAdmin
}
