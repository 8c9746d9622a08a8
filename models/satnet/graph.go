// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

// Package satnet implements the fused color and depth segmentation network with GoMLX.
//
// Two convolutional branches extract features from the color images and the depth maps, and a fusion
// sub-network turns the concatenated features into per-pixel class logits.
//
// Hyperparameters are read from the context, see DefaultParams.
package satnet

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Hyperparameters, read from the context.
const (
	// ParamNumClasses is the number of segmentation classes, including the empty class 0.
	ParamNumClasses = "num_classes"

	// ParamColorFilters and ParamDepthFilters are the number of channels of each branch's convolutions.
	ParamColorFilters = "color_filters"
	ParamDepthFilters = "depth_filters"

	// ParamFuseFilters is the number of channels of the fusion sub-network.
	ParamFuseFilters = "fuse_filters"

	// ParamBranchLayers is the number of convolution layers of each branch. Layer i is dilated by 2^i.
	ParamBranchLayers = "num_branch_layers"

	// Scopes of the sub-networks.
	ColorScope = "color"
	DepthScope = "depth"
	FuseScope  = "fuse"
)

// DefaultParams holds the default hyperparameters of the model.
var DefaultParams = map[string]any{
	ParamNumClasses:   12,
	ParamColorFilters: 32,
	ParamDepthFilters: 16,
	ParamFuseFilters:  32,
	ParamBranchLayers: 3,
	"optimizer":       "adam",
	"learning_rate":   0.001,
}

// Branch builds a stack of dilated 3x3 convolutions with ReLU activations over images shaped
// [batch, height, width, channels], keeping the spatial dimensions.
func Branch(ctx *context.Context, images *Node, channels int) *Node {
	numLayers := context.GetParamOr(ctx, ParamBranchLayers, 3)
	x := images
	for layer := range numLayers {
		ctx := ctx.Inf("%03d_conv", layer)
		x = layers.Convolution(ctx, x).Channels(channels).KernelSize(3).Dilations(1 << layer).PadSame().Done()
		x = activations.Relu(x)
	}
	return x
}

// ColorBranch computes the features of the color images.
func ColorBranch(ctx *context.Context, color *Node) *Node {
	return Branch(ctx.In(ColorScope), color, context.GetParamOr(ctx, ParamColorFilters, 32))
}

// DepthBranch computes the features of the depth maps.
func DepthBranch(ctx *context.Context, depth *Node) *Node {
	return Branch(ctx.In(DepthScope), depth, context.GetParamOr(ctx, ParamDepthFilters, 16))
}

// Fuse concatenates the color and depth features and returns per-pixel logits shaped
// [batch, height, width, num_classes].
func Fuse(ctx *context.Context, colorFeatures, depthFeatures *Node) *Node {
	ctx = ctx.In(FuseScope)
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 12)
	channels := context.GetParamOr(ctx, ParamFuseFilters, 32)
	x := Concatenate([]*Node{colorFeatures, depthFeatures}, -1)
	x = layers.Convolution(ctx.In("000_conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
	x = activations.Relu(x)
	x = layers.Convolution(ctx.In("001_conv"), x).Channels(channels).KernelSize(3).Dilations(2).PadSame().Done()
	x = activations.Relu(x)
	return layers.Convolution(ctx.In("logits"), x).Channels(numClasses).KernelSize(1).Done()
}

// ModelGraph builds the fused network: color [batch, height, width, 3] and depth
// [batch, height, width, 1] to logits [batch, height, width, num_classes].
func ModelGraph(ctx *context.Context, color, depth *Node) *Node {
	dims := color.Shape().Dimensions
	logits := Fuse(ctx, ColorBranch(ctx, color), DepthBranch(ctx, depth))
	logits.AssertDims(dims[0], dims[1], dims[2], context.GetParamOr(ctx, ParamNumClasses, 12))
	return logits
}
