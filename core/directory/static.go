// Package directory implements the tenant directory port: protocol,
// vehicles, pre-authorizations and residents.
package directory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

type Fixture struct {
	Tenants []TenantFixture `yaml:"tenants"`
}

type TenantFixture struct {
	TenantID          string                `yaml:"tenant_id"`
	Protocol          ProtocolFixture       `yaml:"protocol"`
	Residents         []ResidentFixture     `yaml:"residents"`
	Vehicles          []ports.VehicleRecord `yaml:"vehicles"`
	PreAuthorizations []ports.PreAuthRecord `yaml:"pre_authorizations"`
}

type ProtocolFixture struct {
	AllowDeliveries             bool   `yaml:"allow_deliveries"`
	RequireResidentApproval     bool   `yaml:"require_resident_approval"`
	MaxWaitSeconds              int    `yaml:"max_wait_seconds"`
	FailOpenOnNotifyUnavailable bool   `yaml:"fail_open_on_notify_unavailable"`
	PlateSource                 string `yaml:"plate_source"`
	DocumentSource              string `yaml:"document_source"`
	GateMethod                  string `yaml:"gate_method"`
}

type ResidentFixture struct {
	ResidentID  string `yaml:"resident_id"`
	Unit        string `yaml:"unit"`
	DisplayName string `yaml:"display_name"`
	Channel     string `yaml:"channel"`
	Address     string `yaml:"address"`
	Active      *bool  `yaml:"active"`
}

// Static serves a fixture held in memory. Consumption of single-use
// pre-authorizations mutates the in-memory copy only.
type Static struct {
	mu      sync.RWMutex
	tenants map[string]*TenantFixture
	now     func() time.Time
}

func LoadStatic(path string) (*Static, error) {
	// #nosec G304 -- fixture path is explicit operator input.
	content, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("read directory fixture: %w", err)
	}
	var fixture Fixture
	if err := yaml.Unmarshal(content, &fixture); err != nil {
		return nil, fmt.Errorf("parse directory fixture: %w", err)
	}
	return NewStatic(fixture, nil)
}

func NewStatic(fixture Fixture, now func() time.Time) (*Static, error) {
	if now == nil {
		now = time.Now
	}
	tenants := make(map[string]*TenantFixture, len(fixture.Tenants))
	for index := range fixture.Tenants {
		tenant := fixture.Tenants[index]
		tenant.TenantID = strings.TrimSpace(tenant.TenantID)
		if tenant.TenantID == "" {
			return nil, fmt.Errorf("directory fixture tenant %d: tenant_id is required", index)
		}
		if _, exists := tenants[tenant.TenantID]; exists {
			return nil, fmt.Errorf("directory fixture: duplicate tenant %q", tenant.TenantID)
		}
		tenant.Vehicles = append([]ports.VehicleRecord(nil), tenant.Vehicles...)
		for vehicleIndex := range tenant.Vehicles {
			tenant.Vehicles[vehicleIndex].TenantID = tenant.TenantID
		}
		tenant.PreAuthorizations = append([]ports.PreAuthRecord(nil), tenant.PreAuthorizations...)
		for preAuthIndex := range tenant.PreAuthorizations {
			tenant.PreAuthorizations[preAuthIndex].TenantID = tenant.TenantID
		}
		tenants[tenant.TenantID] = &tenant
	}
	return &Static{tenants: tenants, now: now}, nil
}

func (d *Static) Protocol(_ context.Context, tenantID string) (access.Protocol, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant, ok := d.tenants[tenantID]
	if !ok {
		return access.Protocol{}, fmt.Errorf("%w: tenant %s", ports.ErrNotFound, tenantID)
	}
	return access.Protocol(tenant.Protocol), nil
}

func (d *Static) LookupVehicle(_ context.Context, tenantID, plate string) (ports.VehicleRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant, ok := d.tenants[tenantID]
	if ok {
		wanted := NormalizePlate(plate)
		for _, vehicle := range tenant.Vehicles {
			if NormalizePlate(vehicle.Plate) == wanted {
				return vehicle, nil
			}
		}
	}
	return ports.VehicleRecord{}, fmt.Errorf("%w: vehicle %s", ports.ErrNotFound, plate)
}

// LookupPreAuthorized hides inactive and expired records. A consumed
// single-use record is still returned so its consumer can be checked.
func (d *Static) LookupPreAuthorized(_ context.Context, tenantID, documentID string) (ports.PreAuthRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant, ok := d.tenants[tenantID]
	if ok {
		now := d.now().UTC()
		wanted := NormalizeDocument(documentID)
		for _, record := range tenant.PreAuthorizations {
			if NormalizeDocument(record.DocumentID) != wanted {
				continue
			}
			if record.Usable(now, record.UsedByCall) {
				return clonePreAuth(record), nil
			}
		}
	}
	return ports.PreAuthRecord{}, fmt.Errorf("%w: pre-authorization for %s", ports.ErrNotFound, documentID)
}

func (d *Static) ConsumePreAuthorization(_ context.Context, tenantID, preAuthorizationID, callID string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tenant, ok := d.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: tenant %s", ports.ErrNotFound, tenantID)
	}
	for index := range tenant.PreAuthorizations {
		record := &tenant.PreAuthorizations[index]
		if record.PreAuthorizationID != preAuthorizationID {
			continue
		}
		if !record.SingleUse {
			return nil
		}
		if record.UsedAt != nil {
			if record.UsedByCall == callID {
				return nil
			}
			return fmt.Errorf("%w: pre-authorization %s already used", ports.ErrRejected, preAuthorizationID)
		}
		usedAt := now.UTC()
		record.UsedAt = &usedAt
		record.UsedByCall = callID
		return nil
	}
	return fmt.Errorf("%w: pre-authorization %s", ports.ErrNotFound, preAuthorizationID)
}

// ResolveResident matches the visitor's unit hint against unit numbers
// first, then resident display names.
func (d *Static) ResolveResident(_ context.Context, tenantID string, visitor access.Visitor) (access.ResidentRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant, ok := d.tenants[tenantID]
	hint := normalizeHint(visitor.UnitHint)
	if ok && hint != "" {
		for _, byName := range []bool{false, true} {
			for _, resident := range tenant.Residents {
				if resident.Active != nil && !*resident.Active {
					continue
				}
				candidate := resident.Unit
				if byName {
					candidate = resident.DisplayName
				}
				if normalizeHint(candidate) == hint {
					return access.ResidentRef{
						ResidentID:  resident.ResidentID,
						Unit:        resident.Unit,
						DisplayName: resident.DisplayName,
						Channel:     resident.Channel,
						Address:     resident.Address,
					}, nil
				}
			}
		}
	}
	return access.ResidentRef{}, fmt.Errorf("%w: resident for %q", ports.ErrNotFound, visitor.UnitHint)
}

// PreAuthorization returns the stored record regardless of validity.
func (d *Static) PreAuthorization(tenantID, preAuthorizationID string) (ports.PreAuthRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tenant, ok := d.tenants[tenantID]
	if !ok {
		return ports.PreAuthRecord{}, false
	}
	for _, record := range tenant.PreAuthorizations {
		if record.PreAuthorizationID == preAuthorizationID {
			return clonePreAuth(record), true
		}
	}
	return ports.PreAuthRecord{}, false
}

func clonePreAuth(record ports.PreAuthRecord) ports.PreAuthRecord {
	if record.UsedAt != nil {
		usedAt := *record.UsedAt
		record.UsedAt = &usedAt
	}
	return record
}

// NormalizePlate uppercases and strips separators so "abc-123" matches
// "ABC 123".
func NormalizePlate(plate string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '·':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(plate)))
}

func NormalizeDocument(documentID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(documentID)))
}

func normalizeHint(hint string) string {
	normalized := strings.ToLower(strings.TrimSpace(hint))
	normalized = strings.TrimPrefix(normalized, "unit ")
	normalized = strings.TrimPrefix(normalized, "apt ")
	normalized = strings.TrimPrefix(normalized, "apartment ")
	return strings.Join(strings.Fields(normalized), " ")
}
