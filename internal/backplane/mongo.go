package backplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const cappedSizeBytes = 1e6

// Mongo broadcasts through a size-bounded capped collection: every instance
// appends frames and tails the collection with an await cursor. The cursor
// starts at the current tail, so frames written while an instance holds no
// cursor are never replayed to it.
type Mongo struct {
	*registry
	cli  *mongo.Client
	coll *mongo.Collection

	cancel context.CancelFunc
	done   chan struct{}
}

type mongoDoc struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Frame  []byte             `bson:"frame,omitempty"`
	Marker bool               `bson:"marker,omitempty"`
}

// NewMongo connects, ensures the capped collection exists and starts tailing.
func NewMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("backplane mongo connect: %w", err)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		cli.Disconnect(ctx)
		return nil, fmt.Errorf("backplane mongo ping: %w", err)
	}

	db := cli.Database(cfg.Database)
	err = db.CreateCollection(ctx, cfg.Collection,
		options.CreateCollection().SetCapped(true).SetSizeInBytes(cappedSizeBytes))
	if err != nil && !isNamespaceExists(err) {
		cli.Disconnect(ctx)
		return nil, fmt.Errorf("backplane mongo create collection: %w", err)
	}
	coll := db.Collection(cfg.Collection)

	// A tailable cursor on an empty capped collection dies immediately;
	// a marker document keeps it alive from the start.
	if _, err := coll.InsertOne(ctx, mongoDoc{Marker: true}); err != nil {
		cli.Disconnect(ctx)
		return nil, fmt.Errorf("backplane mongo marker insert: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &Mongo{
		registry: newRegistry(),
		cli:      cli,
		coll:     coll,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go a.tail(runCtx)
	return a, nil
}

func isNamespaceExists(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists"
}

// tail follows the collection, resuming from the last seen _id when the
// cursor dies. The cursor starts past the newest document already present:
// anything older predates this instance and must not be replayed.
func (a *Mongo) tail(ctx context.Context) {
	defer close(a.done)

	// The startup marker guarantees a newest document exists.
	last, err := a.newestID(ctx)
	for err != nil {
		logger.Errorf("backplane mongo tail seed: %v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		last, err = a.newestID(ctx)
	}

	for ctx.Err() == nil {
		cur, err := a.coll.Find(ctx, resumeFilter(last),
			options.Find().SetCursorType(options.TailableAwait).SetMaxAwaitTime(5*time.Second))
		if err != nil {
			logger.Errorf("backplane mongo tail: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for cur.Next(ctx) {
			var doc mongoDoc
			if err := cur.Decode(&doc); err != nil {
				continue
			}
			last = doc.ID
			if doc.Marker {
				continue
			}
			a.dispatchFrame(doc.Frame)
		}
		cur.Close(ctx)
	}
}

// newestID returns the _id of the newest document in the capped collection.
func (a *Mongo) newestID(ctx context.Context) (primitive.ObjectID, error) {
	var doc mongoDoc
	err := a.coll.FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.M{"$natural": -1})).Decode(&doc)
	if err != nil {
		return primitive.NilObjectID, err
	}
	return doc.ID, nil
}

// resumeFilter bounds the tail cursor to documents newer than last.
func resumeFilter(last primitive.ObjectID) bson.M {
	return bson.M{"_id": bson.M{"$gt": last}}
}

// Publish delivers locally and appends the frame for other instances. The
// collection cannot report remote subscribers, so the count covers local
// delivery only.
func (a *Mongo) Publish(ctx context.Context, room string, data []byte) (int, error) {
	local := a.dispatch(room, data)

	f, err := a.encodeFrame(room, data)
	if err != nil {
		return local, fmt.Errorf("backplane mongo encode: %w", err)
	}
	if _, err := a.coll.InsertOne(ctx, mongoDoc{Frame: f}); err != nil {
		return local, fmt.Errorf("backplane mongo publish %s: %w", room, err)
	}
	return local, nil
}

// Subscribe joins the local room table. The tail cursor is per instance, so
// there is no per-room transport membership; frames for rooms without local
// subscribers fall through dispatch.
func (a *Mongo) Subscribe(_ context.Context, room string) (*Subscription, error) {
	return a.subscribe(room)
}

// Close stops the tail and disconnects.
func (a *Mongo) Close() error {
	a.cancel()
	<-a.done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.cli.Disconnect(ctx)
}
