package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/storage"
)

// Params are the registration parameters of a credential that LIST does not
// report. The period also travels in the device name, so this is a cache
// consulted only for names that carry none.
type Params struct {
	Period    int            `json:"period"`
	Digits    int            `json:"digits"`
	Algorithm oath.Algorithm `json:"algorithm"`
}

// ParamStore keeps Params per device and label.
type ParamStore struct {
	s storage.Storage
}

// NewParamStore wraps s.
func NewParamStore(s storage.Storage) *ParamStore {
	return &ParamStore{s: s}
}

func paramKey(label string) string { return "params:" + label }

// Get returns the parameters stored for label on device, if any.
func (p *ParamStore) Get(ctx context.Context, device, label string) (Params, bool, error) {
	item, err := p.s.Get(ctx, paramKey(label), storage.WithDevice(device))
	if err != nil {
		return Params{}, false, fmt.Errorf("controller: get params: %w", err)
	}
	if item == nil {
		return Params{}, false, nil
	}
	var out Params
	if err := json.Unmarshal(item.Data, &out); err != nil {
		return Params{}, false, fmt.Errorf("controller: decode params: %w", err)
	}
	return out, true, nil
}

// Put stores the parameters of label on device.
func (p *ParamStore) Put(ctx context.Context, device, label string, v Params) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("controller: encode params: %w", err)
	}
	if err := p.s.Set(ctx, paramKey(label), b, storage.WithDevice(device)); err != nil {
		return fmt.Errorf("controller: put params: %w", err)
	}
	return nil
}

// Delete forgets the parameters of label on device.
func (p *ParamStore) Delete(ctx context.Context, device, label string) error {
	if err := p.s.Delete(ctx, storage.WithDevice(device), storage.WithKey(paramKey(label))); err != nil {
		return fmt.Errorf("controller: delete params: %w", err)
	}
	return nil
}

// Forget drops every parameter stored for device. The controller calls it
// when the device lists no credentials.
func (p *ParamStore) Forget(ctx context.Context, device string) error {
	if err := p.s.Delete(ctx, storage.WithDevice(device)); err != nil {
		return fmt.Errorf("controller: forget device: %w", err)
	}
	return nil
}
