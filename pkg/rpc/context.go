package rpc

import (
	"context"
)

type metadataKey struct{}

func NewContextWithMetadata(ctx context.Context, metadata map[string]string) context.Context {
	return context.WithValue(ctx, metadataKey{}, metadata)
}

func AppendMetadataToContext(ctx context.Context, metadata map[string]string) context.Context {
	existing := GetMetadataFromContext(ctx)
	if existing == nil {
		return context.WithValue(ctx, metadataKey{}, metadata)
	}
	merged := make(map[string]string, len(existing)+len(metadata))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return context.WithValue(ctx, metadataKey{}, merged)
}

func GetMetadataFromContext(ctx context.Context) map[string]string {
	v := ctx.Value(metadataKey{})
	if v != nil {
		md, ok := v.(map[string]string)
		if ok {
			return md
		}
	}
	return nil
}
