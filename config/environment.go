package config

// Environment names the deployment the process runs in.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

func (e Environment) IsDevelopment() bool {
	return e != Production
}
