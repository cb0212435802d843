package core

import "fmt"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
)

// ParseEnvironment validates the value of the --env flag
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(s)
	if !env.IsDevelopment() && !env.IsProduction() {
		return "", fmt.Errorf("unknown environment %q, expected %q or %q", s, DevelopmentEnv, ProductionEnv)
	}
	return env, nil
}

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}
