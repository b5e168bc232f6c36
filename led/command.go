// Package led builds control frames for BLEDOM-style LED peripherals and
// submits them through the command scheduler.
package led

import "fmt"

// FrameSize is the fixed control frame length these peripherals accept.
const FrameSize = 9

// Frame layout: 0x7E, counter (unused, 0x00), command id, args..., 0xEF.
const (
	frameHead = 0x7E
	frameTail = 0xEF

	cmdBrightness = 0x01
	cmdEffect     = 0x03
	cmdPower      = 0x04
	cmdColor      = 0x05
)

func frame(cmd byte, args ...byte) []byte {
	f := make([]byte, FrameSize)
	f[0] = frameHead
	f[1] = 0x00
	f[2] = cmd
	copy(f[3:8], args)
	f[8] = frameTail
	return f
}

// PowerFrame returns the frame that switches the strip on or off.
func PowerFrame(on bool) []byte {
	v := byte(0x00)
	if on {
		v = 0x01
	}
	return frame(cmdPower, 0xF0, v)
}

// ColorFrame returns the frame that sets a static RGB color.
func ColorFrame(r, g, b uint8) []byte {
	return frame(cmdColor, 0x03, r, g, b)
}

// BrightnessFrame returns the frame that sets brightness as a percentage.
func BrightnessFrame(percent uint8) ([]byte, error) {
	if percent > 100 {
		return nil, fmt.Errorf("brightness %d out of range [0,100]", percent)
	}
	return frame(cmdBrightness, percent), nil
}

// EffectFrame returns the frame that starts a built-in effect at the given
// speed (0..100).
func EffectFrame(effect, speed uint8) ([]byte, error) {
	if speed > 100 {
		return nil, fmt.Errorf("effect speed %d out of range [0,100]", speed)
	}
	return frame(cmdEffect, effect, 0x03, speed), nil
}
