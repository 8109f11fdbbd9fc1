// internal/devops/environment.go
package devops

import (
	"fmt"
	"strings"
)

// Environment names a deployment target
type Environment string

// Environments
const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Environments lists every known environment
var Environments = []Environment{EnvDevelopment, EnvStaging, EnvProduction}

// ParseEnvironment accepts an environment name or a common short alias
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return EnvProduction, nil
	case "staging", "stage":
		return EnvStaging, nil
	case "development", "dev":
		return EnvDevelopment, nil
	default:
		return "", fmt.Errorf("environment: unknown environment %q", s)
	}
}

// IsProduction reports whether the environment serves live traffic
func (e Environment) IsProduction() bool {
	return e == EnvProduction
}

func (e Environment) String() string {
	return string(e)
}
