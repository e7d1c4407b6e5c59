/*Package admin orchestrates the device lifecycle: provisioning,
revocation and queries. It bypasses credential verification and talks
to the registry directly.
*/
package admin

import (
	"context"
	"os"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/perimeter-tech/devicegate/audit"
	"github.com/perimeter-tech/devicegate/core"
	"github.com/perimeter-tech/devicegate/devices"
)

// Service exposes the device lifecycle operations.
type Service struct {
	registry *devices.Registry
	audit    audit.Sink
	schema   *gojsonschema.Schema
}

// Builder is a builder helper for the admin Service
type Builder struct {
	// Registry is the device registry. This is mandatory.
	Registry *devices.Registry
	// Audit receives lifecycle events. Defaults to the log sink.
	Audit audit.Sink
	// MetadataSchemaFile optionally points to a JSON schema that
	// registration metadata must validate against.
	MetadataSchemaFile string
}

// MustNewService realizes the admin service. It loads and compiles the
// metadata schema if one is configured.
func MustNewService(b *Builder) *Service {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	sink := b.Audit
	if sink == nil {
		sink = audit.LogSink{}
	}
	s := &Service{
		registry: b.Registry,
		audit:    sink,
	}
	if b.MetadataSchemaFile != "" {
		data, err := os.ReadFile(b.MetadataSchemaFile)
		if err != nil {
			panic(err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			panic(err)
		}
		s.schema = schema
	}
	return s
}

// Register provisions a new device and returns its credentials. The
// response is the only place the device secret is ever exposed.
func (s *Service) Register(ctx context.Context, rawDeviceID string, meta devices.Metadata) (devices.Credentials, error) {
	if rawDeviceID == "" {
		return devices.Credentials{}, core.Validationf("deviceId is required")
	}
	if err := s.validateMetadata(meta); err != nil {
		return devices.Credentials{}, err
	}

	creds, err := s.registry.Register(ctx, rawDeviceID, meta)
	if err != nil {
		return devices.Credentials{}, err
	}
	s.audit.Publish(ctx, audit.KindDeviceRegistered, creds.DeviceID, "")
	return creds, nil
}

// Revoke permanently locks a device out.
func (s *Service) Revoke(ctx context.Context, rawDeviceID, reason string) error {
	if rawDeviceID == "" {
		return core.Validationf("deviceId is required")
	}
	if err := s.registry.Revoke(ctx, rawDeviceID, reason); err != nil {
		return err
	}
	s.audit.Publish(ctx, audit.KindDeviceRevoked, devices.Normalize(rawDeviceID), reason)
	return nil
}

// Get returns the secret-stripped view of a single device.
func (s *Service) Get(ctx context.Context, rawDeviceID string) (devices.View, error) {
	view, ok := s.registry.GetSafe(ctx, rawDeviceID)
	if !ok {
		return devices.View{}, core.ErrNotFound
	}
	return view, nil
}

// List returns the secret-stripped views of all devices.
func (s *Service) List(ctx context.Context) []devices.View {
	return s.registry.ListSafe(ctx)
}

func (s *Service) validateMetadata(meta devices.Metadata) error {
	if s.schema == nil {
		return nil
	}
	document, err := json.Marshal(meta)
	if err != nil {
		return core.Validationf("metadata is not serializable: %s", err.Error())
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return core.Validationf("metadata validation failed: %s", err.Error())
	}
	if !result.Valid() {
		detail := ""
		for i, e := range result.Errors() {
			if i > 0 {
				detail += "; "
			}
			detail += e.String()
		}
		return core.Validationf("metadata does not match schema: %s", detail)
	}
	return nil
}
