// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package target

import (
	"context"
	"sync"
)

type mockHealthCheck struct {
	sync.Mutex
	errs   map[string]error
	checks map[string]int
}

func newMockHealthCheck() *mockHealthCheck {
	return &mockHealthCheck{
		errs:   make(map[string]error),
		checks: make(map[string]int),
	}
}

func (hc *mockHealthCheck) Check(_ context.Context, name, _ string) error {
	hc.Lock()
	defer hc.Unlock()
	hc.checks[name]++
	return hc.errs[name]
}

func (hc *mockHealthCheck) setErr(name string, err error) {
	hc.Lock()
	defer hc.Unlock()
	hc.errs[name] = err
}

func (hc *mockHealthCheck) nChecks(name string) int {
	hc.Lock()
	defer hc.Unlock()
	return hc.checks[name]
}

type mockObserver struct {
	sync.Mutex
	poolChanged []string
	up          []string
	removed     []string
}

func (o *mockObserver) OnPoolSizeChanged(t *Target) {
	o.Lock()
	defer o.Unlock()
	o.poolChanged = append(o.poolChanged, t.Name())
}

func (o *mockObserver) OnTargetUp(t *Target) {
	o.Lock()
	defer o.Unlock()
	o.up = append(o.up, t.Name())
}

func (o *mockObserver) OnTargetRemoved(t *Target) {
	o.Lock()
	defer o.Unlock()
	o.removed = append(o.removed, t.Name())
}

func (o *mockObserver) ups() []string {
	o.Lock()
	defer o.Unlock()
	return append([]string(nil), o.up...)
}
