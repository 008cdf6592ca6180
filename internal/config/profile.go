package config

import "fmt"

type Optimization string

const (
	OptimizeDebug   Optimization = "debug"
	OptimizeRelease Optimization = "release"
)

// Profile selects how a build is compiled. Profiles never change layout.
type Profile struct {
	Name         string       `yaml:"name"`
	Optimization Optimization `yaml:"optimization"`
	Diagnostics  bool         `yaml:"diagnostics"`
}

var (
	Debug   = Profile{Name: "debug", Optimization: OptimizeDebug, Diagnostics: true}
	Release = Profile{Name: "release", Optimization: OptimizeRelease, Diagnostics: false}
)

// Profiles returns every recognized profile in a stable order.
func Profiles() []Profile {
	return []Profile{Debug, Release}
}

func ParseProfile(name string) (Profile, error) {
	for _, p := range Profiles() {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("unknown profile %q (want debug or release)", name)
}

func (p Profile) String() string { return p.Name }
