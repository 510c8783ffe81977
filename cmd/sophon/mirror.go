package main

import (
	"go.uber.org/zap"

	"sophon.space/internal/persistence/r2s3"
	"sophon.space/internal/sim/tuning"
)

// newMirror returns nil when mirroring is disabled; a nil *r2s3.Mirror ignores Enqueue and Close.
func newMirror(t tuning.Tuning, log *zap.Logger) (*r2s3.Mirror, error) {
	if !t.Mirror.Enabled {
		return nil, nil
	}
	client, err := r2s3.New(r2s3.Options{
		Endpoint:        t.Mirror.Endpoint,
		Bucket:          t.Mirror.Bucket,
		Region:          t.Mirror.Region,
		AccessKeyID:     t.Mirror.AccessKeyID,
		SecretAccessKey: t.Mirror.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	log.Info("mirroring to bucket",
		zap.String("endpoint", t.Mirror.Endpoint),
		zap.String("bucket", t.Mirror.Bucket),
		zap.String("prefix", t.Mirror.Prefix),
	)
	return r2s3.NewMirror(client, r2s3.MirrorConfig{
		DataDir: t.DataDir,
		Prefix:  t.Mirror.Prefix,
		Workers: t.Mirror.Workers,
		Logger:  log,
	}), nil
}
