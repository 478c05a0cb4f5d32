package auth

// ApprovalPolicy decides who may sign off a remediation of a given risk level:
// low needs any company member, medium a company or MSP admin, high an MSP admin.
type ApprovalPolicy struct{}

func (ApprovalPolicy) CanApprove(role, risk string) bool {
	r := Role(role)
	switch risk {
	case "low":
		return r.Valid()
	case "medium":
		return r == RoleCompanyAdmin || r == RoleMSPAdmin
	case "high":
		return r == RoleMSPAdmin
	}
	return false
}
