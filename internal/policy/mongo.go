package policy

import (
	"context"
	"errors"
	"time"

	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps operator policies in the fee_policies collection so they can change
// without a deploy.
type MongoStore struct {
	mgo  *mongo.Client
	coll *mongo.Collection
}

func NewMongoStore(uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err = client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	return &MongoStore{client, client.Database(database).Collection("fee_policies")}, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.mgo.Disconnect(ctx)
}

// Get returns the active policy of the operator or model.ErrNotFound.
func (m *MongoStore) Get(ctx context.Context, operator string) (*TieredPolicy, error) {
	var p TieredPolicy
	err := m.coll.FindOne(ctx, bson.M{"operator": operator, "active": true}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err = p.Validate(); err != nil {
		return nil, err
	}
	p.normalize()
	return &p, nil
}

// Save replaces the operator's policy.
func (m *MongoStore) Save(ctx context.Context, p TieredPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"operator": p.Operator}, p, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) List(ctx context.Context) ([]TieredPolicy, error) {
	cur, err := m.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []TieredPolicy
	for cur.Next(ctx) {
		var p TieredPolicy
		if err = cur.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, cur.Err()
}
