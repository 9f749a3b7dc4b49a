package tplink

import (
	"context"
	"fmt"

	"kasa-go-home/internal/platform"
)

// switchEntity is the main on/off control of a plug, wall switch or outlet.
type switchEntity struct {
	*coordinatedEntity
}

var _ platform.ToggleEntity = (*switchEntity)(nil)

func newSwitchEntity(base *coordinatedEntity) *switchEntity {
	s := &switchEntity{coordinatedEntity: base}
	s.domain = "switch"
	s.attach(s, s.readAttrs)
	return s
}

func (s *switchEntity) readAttrs() (string, map[string]any, error) {
	return onOff(s.device.IsOn()), nil, nil
}

func (s *switchEntity) TurnOn(ctx context.Context, _ map[string]any) error {
	return s.setState(ctx, true)
}

func (s *switchEntity) TurnOff(ctx context.Context, _ map[string]any) error {
	return s.setState(ctx, false)
}

func (s *switchEntity) setState(ctx context.Context, on bool) error {
	if err := s.device.SetState(ctx, on); err != nil {
		return fmt.Errorf("set state of %s: %w", s.EntityID(), err)
	}
	s.coord.Refresh(ctx)
	return nil
}
