package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials are what is exchanged for an audience's token.
type Credentials struct {
	Audience string `yaml:"audience"`
	User     string `yaml:"user"`
	Secret   string `yaml:"secret"`
}

type credentialsFile struct {
	Audiences []Credentials `yaml:"audiences"`
}

// LoadCredentials reads a YAML credentials file of the form:
//
//	audiences:
//	  - audience: NadeoLiveServices
//	    user: ...
//	    secret: ...
func LoadCredentials(path string) ([]Credentials, error) {
	byts, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading credentials file: %w", err)
	}

	var f credentialsFile
	if err := yaml.Unmarshal(byts, &f); err != nil {
		return nil, fmt.Errorf("error parsing credentials file: %w", err)
	}

	for i, c := range f.Audiences {
		if c.Audience == "" || c.User == "" || c.Secret == "" {
			return nil, fmt.Errorf("credentials entry %d is incomplete", i)
		}
	}

	return f.Audiences, nil
}

// FromEnv shares one user/secret pair across every audience.
func FromEnv(user, secret string, audiences []string) []Credentials {
	if user == "" || secret == "" {
		return nil
	}

	creds := make([]Credentials, 0, len(audiences))
	for _, aud := range audiences {
		creds = append(creds, Credentials{Audience: aud, User: user, Secret: secret})
	}

	return creds
}

// Merge returns base with every audience in override replacing the base
// entry of the same audience.
func Merge(base, override []Credentials) []Credentials {
	merged := make([]Credentials, 0, len(base)+len(override))
	seen := map[string]int{}
	for _, c := range append(append([]Credentials{}, base...), override...) {
		if i, ok := seen[c.Audience]; ok {
			merged[i] = c
			continue
		}
		seen[c.Audience] = len(merged)
		merged = append(merged, c)
	}

	return merged
}
