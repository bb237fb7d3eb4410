// Package topo connects to MongoDB clusters and implements the replicator's
// source and target capabilities with the driver.
package topo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/config"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/util"
)

const appName = "migrate-mongo-cluster"

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, uri string, cfg *config.Config) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("invalid MongoDB URI")
	}

	opts := options.Client().ApplyURI(uri).
		SetAppName(appName).
		SetReadPreference(readpref.Primary())

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	timeout := config.DefaultMongoDBOperationTimeout
	if cfg != nil && cfg.MongoDB.OperationTimeout > 0 {
		timeout = cfg.MongoDB.OperationTimeout
	}

	err = util.CtxWithTimeout(ctx, timeout, func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Nearest()) //nolint:wrapcheck
	})
	if err != nil {
		_ = util.CtxWithTimeout(context.Background(), config.DisconnectTimeout, client.Disconnect)

		return nil, errors.Wrap(err, "ping")
	}

	return client, nil
}

// Version returns the server version string reported by buildInfo.
func Version(ctx context.Context, m *mongo.Client) (string, error) {
	raw, err := m.Database("admin").RunCommand(ctx, bson.D{{"buildInfo", 1}}).Raw()
	if err != nil {
		return "", errors.Wrap(err, "buildInfo")
	}

	version, ok := raw.Lookup("version").StringValueOK()
	if !ok {
		return "", errors.New("buildInfo: no version")
	}

	return version, nil
}

// ListDatabaseNames returns user database names.
func ListDatabaseNames(ctx context.Context, m *mongo.Client) ([]string, error) {
	//nolint:wrapcheck
	return m.ListDatabaseNames(ctx,
		bson.D{{"name", bson.D{{"$nin", bson.A{"admin", "config", "local"}}}}})
}

// ListCollectionNames returns a list of non-system collection names in the specified database.
func ListCollectionNames(ctx context.Context, m *mongo.Client, dbName string) ([]string, error) {
	//nolint:wrapcheck
	return m.Database(dbName).ListCollectionNames(ctx,
		bson.D{{"name", bson.D{{"$not", bson.D{{"$regex", "^system\\."}}}}}})
}

func opTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return config.DefaultMongoDBOperationTimeout
	}

	return d
}
