// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/spf13/viper"
)

type viperKey struct{}

func withViper(ctx context.Context, v *viper.Viper) context.Context {
	return context.WithValue(ctx, viperKey{}, v)
}

func viperFrom(ctx context.Context) *viper.Viper {
	v, _ := ctx.Value(viperKey{}).(*viper.Viper)
	if v == nil {
		return viper.New()
	}
	return v
}
