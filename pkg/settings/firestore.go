package settings

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-listingcache/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection = "listing-settings"
	defaultDocument   = "current"
)

// FirestoreConfig holds configuration for the Firestore settings store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
	DocumentID     string
}

// FirestoreStore keeps the settings in a single Firestore document.
type FirestoreStore struct {
	client   *firestore.Client
	doc      *firestore.DocumentRef
	defaults types.Settings
	logger   zerolog.Logger
}

// NewFirestoreStore creates a new FirestoreStore. The client's lifecycle is
// managed by the caller.
func NewFirestoreStore(
	cfg *FirestoreConfig,
	client *firestore.Client,
	defaults types.Settings,
	logger zerolog.Logger,
) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	collection := cfg.CollectionName
	if collection == "" {
		collection = defaultCollection
	}
	docID := cfg.DocumentID
	if docID == "" {
		docID = defaultDocument
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", collection).Str("document", docID).Msg("FirestoreSettingsStore initialized.")

	return &FirestoreStore{
		client:   client,
		doc:      client.Collection(collection).Doc(docID),
		defaults: defaults.Clone(),
		logger:   logger.With().Str("component", "FirestoreSettingsStore").Logger(),
	}, nil
}

// Get returns the stored settings, or the defaults if the document does not
// exist yet.
func (s *FirestoreStore) Get(ctx context.Context) (types.Settings, error) {
	snap, err := s.doc.Get(ctx)
	return s.fromSnapshot(snap, err)
}

// Update merges patch into the stored settings inside a Firestore transaction.
func (s *FirestoreStore) Update(ctx context.Context, patch types.Settings) (types.Settings, error) {
	var merged types.Settings
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := s.fromSnapshot(tx.Get(s.doc))
		if err != nil {
			return err
		}
		merged = current.Merge(patch)
		return tx.Set(s.doc, map[string]interface{}(merged))
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to update settings in Firestore.")
		return nil, fmt.Errorf("firestore update settings: %w", err)
	}
	s.logger.Info().Interface("patch", patch).Msg("Settings updated.")
	return merged.Clone(), nil
}

func (s *FirestoreStore) fromSnapshot(snap *firestore.DocumentSnapshot, err error) (types.Settings, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug().Msg("Settings document not found, using defaults.")
			return s.defaults.Clone(), nil
		}
		return nil, fmt.Errorf("firestore get settings: %w", err)
	}
	return types.Settings(snap.Data()), nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore) Close() error {
	return nil
}
