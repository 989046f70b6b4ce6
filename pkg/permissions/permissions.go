package permissions

import "callguard/pkg/models"

// For expands a security level into its permission set. The mapping is fixed
// and total: every tier yields a deterministic, non-empty set, and each tier
// is a strict superset of the one below it. Tenant-specific policy, if it ever
// exists, belongs to a higher layer.
func For(level models.SecurityLevel) models.PermissionSet {
	set := models.NewPermissionSet(
		models.PermReadPublicInfo,
		models.PermCreateApptRequest,
	)
	switch level {
	case models.LevelAdmin:
		set[models.PermWriteTenantData] = struct{}{}
		set[models.PermExecAdminTools] = struct{}{}
		set[models.PermReadAnalytics] = struct{}{}
		fallthrough
	case models.LevelTenantMember:
		set[models.PermReadTenantData] = struct{}{}
		set[models.PermReadCustomerData] = struct{}{}
		set[models.PermWriteCustomerData] = struct{}{}
		set[models.PermExecMemberTools] = struct{}{}
		set[models.PermManageAppts] = struct{}{}
		fallthrough
	case models.LevelCustomer:
		set[models.PermReadOwnData] = struct{}{}
		set[models.PermWriteOwnData] = struct{}{}
		set[models.PermExecCustomerTools] = struct{}{}
	}
	return set
}
