package engine

import "runtime"

// NativeOptions configures the whisper.cpp backend. Nil fields use the library defaults.
type NativeOptions struct {
	UseGPU         *bool
	FlashAttention *bool
	Threads        *int
}

func (o NativeOptions) threads() int {
	if o.Threads != nil && *o.Threads > 0 {
		return *o.Threads
	}
	return min(runtime.NumCPU(), 8)
}

func (o NativeOptions) useGPU() bool {
	return o.UseGPU != nil && *o.UseGPU
}

func (o NativeOptions) flashAttention() bool {
	return o.FlashAttention != nil && *o.FlashAttention
}
