package sink

import (
	"context"
	"fmt"

	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type replacer interface {
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// MongoSink archives one document per execution, keyed by its UID. A
// redelivered request overwrites the earlier outcome.
type MongoSink struct {
	coll replacer
}

func NewMongoSink(coll *mongo.Collection) *MongoSink {
	return &MongoSink{coll: coll}
}

func (s *MongoSink) Publish(ctx context.Context, outcome dm.DispatchOutcome) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": outcome.ExecutionUID.String()},
		outcomeDocument(outcome),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("archive outcome %s: %w", outcome.ExecutionUID, err)
	}
	return nil
}

// outcomeDocument stores the UID as its string form rather than binary.
func outcomeDocument(o dm.DispatchOutcome) bson.M {
	return bson.M{
		"_id":        o.ExecutionUID.String(),
		"target":     o.Target,
		"function":   o.Function,
		"jid":        o.JobID,
		"stdout":     o.Stdout,
		"stderr":     o.Stderr,
		"exitCode":   o.ExitCode,
		"reason":     o.Reason,
		"message":    o.Message,
		"startedAt":  o.StartedAt,
		"finishedAt": o.FinishedAt,
	}
}
