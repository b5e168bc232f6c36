package led

import (
	"github.com/user/glowlink/gatt"
	"github.com/user/glowlink/sched"
)

// Coalesce keys: a newer value for the same knob replaces any queued older
// one, so slider storms collapse to the latest setting. Power switches are
// never dropped.
const (
	keyColor      = "led:color"
	keyBrightness = "led:brightness"
	keyEffect     = "led:effect"
)

// Controller issues LED control commands to peers through the scheduler.
type Controller struct {
	sched *sched.Scheduler
}

// NewController binds a controller to the scheduler.
func NewController(s *sched.Scheduler) *Controller {
	return &Controller{sched: s}
}

// SetPower switches the peer's strip on or off. Must-not-drop.
func (c *Controller) SetPower(peer string, on bool) {
	c.sched.Enqueue(peer, sched.Command{
		Label: "led-power",
		Op:    gatt.Op{Kind: gatt.OpWrite, Data: PowerFrame(on)},
	})
}

// SetColor sets a static color. Pending older colors are replaced.
func (c *Controller) SetColor(peer string, r, g, b uint8) {
	c.sched.Enqueue(peer, sched.Command{
		Label:       "led-color",
		CoalesceKey: keyColor,
		Replace:     true,
		Op:          gatt.Op{Kind: gatt.OpWrite, Data: ColorFrame(r, g, b)},
	})
}

// SetBrightness sets brightness 0..100. Pending older values are replaced.
func (c *Controller) SetBrightness(peer string, percent uint8) error {
	data, err := BrightnessFrame(percent)
	if err != nil {
		return err
	}
	c.sched.Enqueue(peer, sched.Command{
		Label:       "led-brightness",
		CoalesceKey: keyBrightness,
		Replace:     true,
		Op:          gatt.Op{Kind: gatt.OpWrite, Data: data},
	})
	return nil
}

// SetEffect starts a built-in effect. Pending older effects are replaced.
func (c *Controller) SetEffect(peer string, effect, speed uint8) error {
	data, err := EffectFrame(effect, speed)
	if err != nil {
		return err
	}
	c.sched.Enqueue(peer, sched.Command{
		Label:       "led-effect",
		CoalesceKey: keyEffect,
		Replace:     true,
		Op:          gatt.Op{Kind: gatt.OpWrite, Data: data},
	})
	return nil
}
