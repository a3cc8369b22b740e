// ABOUTME: Audio output package for playing audio
// ABOUTME: Provides Output interface and an oto-backed implementation
// Package output provides audio playback interfaces.
//
// Currently backed by ebitengine/oto for cross-platform audio output.
//
// Example:
//
//	out := output.NewOto()
//	err := out.Open(48000, 2, 16)
//	err = out.Write(samples)
package output
