//go:build !nogpu

package main

// Registers the gg GPU accelerator so the opengl backend can initialize.
import _ "github.com/gogpu/gg/gpu"
