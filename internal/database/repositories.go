package database

// Repositories bundles one repository per aggregate over a shared
// connection pool, the way pkg/database/repositories.go wires the
// validator's repository set.
type Repositories struct {
	Platform    *PlatformRepository
	Tenants     *TenantRepository
	ApiKeys     *ApiKeyRepository
	Events      *EventRepository
	Checkpoints *CheckpointRepository
	Usage       *UsageRepository
	Audit       *AuditRepository
}

// NewRepositories constructs every repository against the client's
// pooled *sql.DB.
func NewRepositories(c *Client) *Repositories {
	db := c.DB()
	return &Repositories{
		Platform:    NewPlatformRepository(db),
		Tenants:     NewTenantRepository(db),
		ApiKeys:     NewApiKeyRepository(db),
		Events:      NewEventRepository(db),
		Checkpoints: NewCheckpointRepository(db),
		Usage:       NewUsageRepository(db),
		Audit:       NewAuditRepository(db),
	}
}
