package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
)

// Resource is a provisioned PushTopic or StreamingChannel bound to its
// record on the org.
type Resource struct {
	Type      string
	ID        string
	Name      string
	Durable   bool
	ReplayAll bool
}

// ChannelName returns the resource's Bayeux channel: "/topic/{Name}" for
// PushTopics, the Name itself for StreamingChannels (which already starts
// with "/u/").
func (r *Resource) ChannelName() string {
	if r.Type == config.ResourcePushTopic {
		return "/topic/" + r.Name
	}
	return r.Name
}

// Provisioner ensures that each declared streaming resource exists on the
// org, creating the missing ones, and tears down the non-durable ones on
// shutdown.
type Provisioner struct {
	rest      *RESTClient
	log       zerolog.Logger
	resources []*Resource
}

func NewProvisioner(rest *RESTClient, log zerolog.Logger) *Provisioner {
	return &Provisioner{rest: rest, log: log}
}

// Resources returns the provisioned resources.
func (p *Provisioner) Resources() []*Resource {
	return p.resources
}

// Provision binds or creates every resource in specs. A failure to
// provision any resource is fatal before the pipeline starts.
func (p *Provisioner) Provision(ctx context.Context, specs []config.ResourceSpec) ([]*Resource, error) {
	for _, spec := range specs {
		resource, err := p.provision(ctx, spec)
		if err != nil {
			return nil, err
		}
		p.resources = append(p.resources, resource)
		p.log.Info().
			Str("type", resource.Type).
			Str("name", resource.Name).
			Str("id", resource.ID).
			Bool("durable", resource.Durable).
			Msg("streaming resource ready")
	}
	return p.resources, nil
}

func (p *Provisioner) provision(ctx context.Context, spec config.ResourceSpec) (*Resource, error) {
	resource := &Resource{
		Type:      spec.Type,
		Durable:   spec.IsDurable(),
		ReplayAll: spec.ReplayAll,
	}

	if spec.IsExisting() {
		if id := spec.ID(); id != "" {
			record, err := p.rest.GetSObject(ctx, spec.Type, id)
			if err != nil {
				return nil, err
			}
			resource.ID = id
			resource.Name, _ = record["Name"].(string)
			return resource, nil
		}

		// Name-only specs bind to the record found by lookup, falling
		// through to creation when no record exists yet.
		record, err := p.lookupByName(ctx, spec.Type, spec.Name())
		if err != nil {
			return nil, err
		}
		if record != nil {
			resource.ID, _ = record["Id"].(string)
			resource.Name = spec.Name()
			return resource, nil
		}
	}

	id, err := p.rest.CreateSObject(ctx, spec.Type, spec.Spec)
	if err != nil {
		return nil, err
	}
	resource.ID = id
	resource.Name = spec.Name()
	p.log.Info().Str("type", spec.Type).Str("name", resource.Name).Msg("created streaming resource")
	return resource, nil
}

func (p *Provisioner) lookupByName(ctx context.Context, typeName, name string) (map[string]any, error) {
	soql := fmt.Sprintf("SELECT Id, Name FROM %s WHERE Name = '%s'",
		typeName, strings.ReplaceAll(name, "'", "\\'"))
	records, err := p.rest.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if len(records) > 1 {
		return nil, apperrors.NewSourceFatal(
			fmt.Sprintf("name %q matches more than one %s record", name, typeName), nil)
	}
	return records[0], nil
}

// Teardown deletes the non-durable resources. Failures at this stage are
// logged and do not interrupt shutdown.
func (p *Provisioner) Teardown(ctx context.Context) {
	for _, resource := range p.resources {
		if resource.Durable {
			continue
		}
		if err := p.rest.DeleteSObject(ctx, resource.Type, resource.ID); err != nil {
			p.log.Error().Err(err).
				Str("type", resource.Type).
				Str("name", resource.Name).
				Msg("failed to delete non-durable streaming resource")
			continue
		}
		p.log.Info().
			Str("type", resource.Type).
			Str("name", resource.Name).
			Msg("deleted non-durable streaming resource")
	}
}
