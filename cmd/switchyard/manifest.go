package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CuAuPro/switchyard/internal/service/registry"
)

// serviceManifest is the YAML form of a registration request.
type serviceManifest struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	RepositoryURL  string         `yaml:"repositoryUrl"`
	HealthEndpoint string         `yaml:"healthEndpoint"`
	Environments   []slotManifest `yaml:"environments"`
}

type slotManifest struct {
	Label         string `yaml:"label"`
	DockerImage   string `yaml:"dockerImage"`
	AppPort       int    `yaml:"appPort"`
	WeightPercent *int   `yaml:"weightPercent"`
}

// patchManifest is the YAML form of a configure request. Omitted keys are
// left unchanged.
type patchManifest struct {
	Description    *string `yaml:"description"`
	RepositoryURL  *string `yaml:"repositoryUrl"`
	HealthEndpoint *string `yaml:"healthEndpoint"`
	Environments   []struct {
		Label       string  `yaml:"label"`
		DockerImage *string `yaml:"dockerImage"`
		AppPort     *int    `yaml:"appPort"`
	} `yaml:"environments"`
}

func readYAML(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (m serviceManifest) input() registry.RegisterInput {
	in := registry.RegisterInput{
		Name:           m.Name,
		Description:    m.Description,
		RepositoryURL:  m.RepositoryURL,
		HealthEndpoint: m.HealthEndpoint,
	}
	for _, slot := range m.Environments {
		in.Environments = append(in.Environments, registry.EnvironmentInput{
			Label:         slot.Label,
			DockerImage:   slot.DockerImage,
			AppPort:       slot.AppPort,
			WeightPercent: slot.WeightPercent,
		})
	}
	return in
}

func (m patchManifest) input(serviceID string) registry.ConfigureInput {
	in := registry.ConfigureInput{
		ServiceID:      serviceID,
		Description:    m.Description,
		RepositoryURL:  m.RepositoryURL,
		HealthEndpoint: m.HealthEndpoint,
	}
	for _, slot := range m.Environments {
		in.Environments = append(in.Environments, registry.EnvironmentPatch{
			Label:       slot.Label,
			DockerImage: slot.DockerImage,
			AppPort:     slot.AppPort,
		})
	}
	return in
}
