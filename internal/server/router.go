// Package server exposes the reconciliation engine, the contact store, and
// the classifier over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gramkeep/gramkeep/internal/classify"
	"github.com/gramkeep/gramkeep/internal/contact"
	"github.com/gramkeep/gramkeep/internal/export"
	"github.com/gramkeep/gramkeep/internal/geocode"
	"github.com/gramkeep/gramkeep/internal/reconcile"
	"github.com/gramkeep/gramkeep/internal/store"
)

const (
	healthRoutePath          = "/healthz"
	analysisPreviewRoutePath = "/api/analysis/preview"
	analysisCommitRoutePath  = "/api/analysis"
	contactsRoutePath        = "/api/contacts"
	contactRoutePath         = "/api/contacts/:id"
	favoriteRoutePath        = "/api/contacts/:id/favorite"
	fieldsRoutePath          = "/api/fields"
	fieldRoutePath           = "/api/fields/:id"
	fieldTagsRoutePath       = "/api/fields/:id/tags"
	customTagsRoutePath      = "/api/tags"
	customTagRoutePath       = "/api/tags/:value"
	listsRoutePath           = "/api/lists"
	listTransferRoutePath    = "/api/lists/transfer"
	listUntagRoutePath       = "/api/lists/untag"
	statsRoutePath           = "/api/stats"
	geocodeRoutePath         = "/api/geocode"

	exportFormFieldName   = "export"
	confirmFormFieldName  = "confirm_deletions"
	contactIDParamName    = "id"
	fieldIDParamName      = "id"
	tagValueParamName     = "value"
	geocodeQueryParamName = "q"
	favoriteQueryParam    = "favorite"
	searchQueryParam      = "q"

	healthStatusKey = "status"
	healthStatusOK  = "ok"
	errorKey        = "error"

	errorMessageMissingArchive   = "export archive is required"
	errorMessageUnreadableUpload = "export archive could not be read"
	errorMessageMissingQuery     = "query parameter q is required"
	errorMessageStoreUnavailable = "contact store unavailable"

	logMessageAnalysisFailed = "export analysis failed"
	logMessageGeocodeFailed  = "geocode lookup failed"
	ginModeRelease           = "release"
)

// RouterConfig configures the HTTP routing.
type RouterConfig struct {
	Store      *store.Store
	Classifier *classify.Classifier
	Geocoder   *geocode.Client
	Logger     *zap.Logger
}

// NewRouter constructs a Gin engine wired to the contact store and the
// analysis pipeline.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Store == nil {
		return nil, errors.New(errorMessageStoreUnavailable)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	classifier := configuration.Classifier
	if classifier == nil {
		builtClassifier, classifierErr := classify.NewClassifier(classify.Config{Store: configuration.Store, Logger: logger})
		if classifierErr != nil {
			return nil, classifierErr
		}
		classifier = builtClassifier
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := apiHandler{
		store:      configuration.Store,
		classifier: classifier,
		geocoder:   configuration.Geocoder,
		logger:     logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.POST(analysisPreviewRoutePath, handler.previewAnalysis)
	engine.POST(analysisCommitRoutePath, handler.commitAnalysis)
	engine.GET(contactsRoutePath, handler.listContacts)
	engine.POST(contactsRoutePath, handler.createContact)
	engine.PUT(contactRoutePath, handler.updateContact)
	engine.DELETE(contactRoutePath, handler.deleteContact)
	engine.POST(favoriteRoutePath, handler.toggleFavorite)
	engine.GET(fieldsRoutePath, handler.listFields)
	engine.POST(fieldsRoutePath, handler.createField)
	engine.DELETE(fieldRoutePath, handler.deleteField)
	engine.PUT(fieldTagsRoutePath, handler.updateFieldTags)
	engine.POST(customTagsRoutePath, handler.createCustomTag)
	engine.DELETE(customTagRoutePath, handler.deleteCustomTag)
	engine.GET(listsRoutePath, handler.classificationLists)
	engine.POST(listTransferRoutePath, handler.transferUsername)
	engine.POST(listUntagRoutePath, handler.untagUsername)
	engine.GET(statsRoutePath, handler.collectionStats)
	engine.GET(geocodeRoutePath, handler.geocodePlaces)

	return engine, nil
}

type apiHandler struct {
	store      *store.Store
	classifier *classify.Classifier
	geocoder   *geocode.Client
	logger     *zap.Logger
}

// formConfirmationGate answers the reconciler's deletion prompt from the
// confirm flag submitted with the upload.
type formConfirmationGate struct {
	confirmed bool
}

func (gate formConfirmationGate) ConfirmDeletions(context.Context, []string) (bool, error) {
	return gate.confirmed, nil
}

func (handler apiHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler apiHandler) previewAnalysis(ginContext *gin.Context) {
	decoded, ok := handler.decodeUploadedArchive(ginContext)
	if !ok {
		return
	}
	pipeline, pipelineErr := reconcile.NewPipeline(reconcile.Config{Store: handler.store, Logger: handler.logger})
	if pipelineErr != nil {
		ginContext.JSON(http.StatusInternalServerError, gin.H{errorKey: pipelineErr.Error()})
		return
	}
	analysis := pipeline.Preview(decoded)
	ginContext.JSON(http.StatusOK, gin.H{
		"unfollowers":      analysis.Unfollowers,
		"fans":             analysis.Fans,
		"mutualFollowers":  analysis.MutualFollowers,
		"pendingRequests":  analysis.PendingRequests,
		"totalFollowers":   len(analysis.Followers),
		"totalFollowing":   len(analysis.Following),
		"pendingDeletions": analysis.DeletedUsernames(),
	})
}

func (handler apiHandler) commitAnalysis(ginContext *gin.Context) {
	decoded, ok := handler.decodeUploadedArchive(ginContext)
	if !ok {
		return
	}
	confirmed := ginContext.PostForm(confirmFormFieldName) == "true"
	pipeline, pipelineErr := reconcile.NewPipeline(reconcile.Config{
		Store:  handler.store,
		Gate:   formConfirmationGate{confirmed: confirmed},
		Logger: handler.logger,
	})
	if pipelineErr != nil {
		ginContext.JSON(http.StatusInternalServerError, gin.H{errorKey: pipelineErr.Error()})
		return
	}

	summary, runErr := pipeline.Run(ginContext.Request.Context(), decoded)
	if errors.Is(runErr, reconcile.ErrAnalysisDeclined) {
		ginContext.JSON(http.StatusConflict, gin.H{errorKey: runErr.Error()})
		return
	}
	if runErr != nil {
		handler.logger.Error(logMessageAnalysisFailed, zap.Error(runErr))
		ginContext.JSON(http.StatusInternalServerError, gin.H{errorKey: runErr.Error()})
		return
	}
	ginContext.JSON(http.StatusOK, summary)
}

func (handler apiHandler) decodeUploadedArchive(ginContext *gin.Context) (export.Export, bool) {
	fileHeader, formErr := ginContext.FormFile(exportFormFieldName)
	if formErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: errorMessageMissingArchive})
		return export.Export{}, false
	}
	file, openErr := fileHeader.Open()
	if openErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: errorMessageUnreadableUpload})
		return export.Export{}, false
	}
	defer file.Close()
	archive, readErr := io.ReadAll(file)
	if readErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: errorMessageUnreadableUpload})
		return export.Export{}, false
	}

	decoded, parseErr := export.ParseArchive(archive)
	if parseErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: parseErr.Error()})
		return export.Export{}, false
	}
	return decoded, true
}

func (handler apiHandler) listContacts(ginContext *gin.Context) {
	contacts := handler.store.Contacts()
	favoritesOnly := ginContext.Query(favoriteQueryParam) == "true"
	search := contact.NormalizeUsername(ginContext.Query(searchQueryParam))

	filtered := make([]contact.Contact, 0, len(contacts))
	for _, record := range contacts {
		if favoritesOnly && !record.IsFavorite {
			continue
		}
		if search != "" && record.NormalizedInstagram() != search && contact.NormalizeUsername(record.FirstName) != search {
			continue
		}
		filtered = append(filtered, record)
	}
	ginContext.JSON(http.StatusOK, filtered)
}

type createContactRequest struct {
	Instagram   string         `json:"instagram" binding:"required"`
	FirstName   string         `json:"firstName"`
	Gender      string         `json:"gender"`
	Location    *contact.Place `json:"location"`
	BirthDate   string         `json:"birthDate"`
	NextMeeting string         `json:"nextMeeting"`
	Notes       string         `json:"notes"`
	Custom      map[string]any `json:"custom"`
}

func (handler apiHandler) createContact(ginContext *gin.Context) {
	var request createContactRequest
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	record := contact.Contact{
		Instagram:   request.Instagram,
		FirstName:   request.FirstName,
		Gender:      request.Gender,
		Location:    request.Location,
		BirthDate:   request.BirthDate,
		NextMeeting: request.NextMeeting,
		Notes:       request.Notes,
		Custom:      request.Custom,
		IsNew:       true,
	}
	if addErr := handler.store.Add(ginContext.Request.Context(), record); addErr != nil {
		ginContext.JSON(http.StatusInternalServerError, gin.H{errorKey: addErr.Error()})
		return
	}
	ginContext.Status(http.StatusCreated)
}

func (handler apiHandler) updateContact(ginContext *gin.Context) {
	var record contact.Contact
	if bindErr := ginContext.ShouldBindJSON(&record); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	record.ID = ginContext.Param(contactIDParamName)
	if updateErr := handler.store.Update(ginContext.Request.Context(), record); updateErr != nil {
		handler.respondStoreError(ginContext, updateErr)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) deleteContact(ginContext *gin.Context) {
	if deleteErr := handler.store.Delete(ginContext.Request.Context(), ginContext.Param(contactIDParamName)); deleteErr != nil {
		handler.respondStoreError(ginContext, deleteErr)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) toggleFavorite(ginContext *gin.Context) {
	if toggleErr := handler.store.ToggleFavorite(ginContext.Request.Context(), ginContext.Param(contactIDParamName)); toggleErr != nil {
		handler.respondStoreError(ginContext, toggleErr)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) listFields(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, handler.store.AllFields())
}

func (handler apiHandler) createField(ginContext *gin.Context) {
	var definition contact.FieldDefinition
	if bindErr := ginContext.ShouldBindJSON(&definition); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	if addErr := handler.store.AddCustomField(ginContext.Request.Context(), definition); addErr != nil {
		ginContext.JSON(http.StatusConflict, gin.H{errorKey: addErr.Error()})
		return
	}
	ginContext.Status(http.StatusCreated)
}

func (handler apiHandler) deleteField(ginContext *gin.Context) {
	if removeErr := handler.store.RemoveCustomField(ginContext.Request.Context(), ginContext.Param(fieldIDParamName)); removeErr != nil {
		handler.respondStoreError(ginContext, removeErr)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) updateFieldTags(ginContext *gin.Context) {
	var tags []contact.Tag
	if bindErr := ginContext.ShouldBindJSON(&tags); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	if setErr := handler.store.SetFieldTags(ginContext.Request.Context(), ginContext.Param(fieldIDParamName), tags); setErr != nil {
		handler.respondStoreError(ginContext, setErr)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) createCustomTag(ginContext *gin.Context) {
	var tag contact.Tag
	if bindErr := ginContext.ShouldBindJSON(&tag); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	if addErr := handler.store.AddCustomTag(ginContext.Request.Context(), tag); addErr != nil {
		ginContext.JSON(http.StatusConflict, gin.H{errorKey: addErr.Error()})
		return
	}
	ginContext.Status(http.StatusCreated)
}

func (handler apiHandler) deleteCustomTag(ginContext *gin.Context) {
	if removeErr := handler.store.RemoveCustomTag(ginContext.Request.Context(), ginContext.Param(tagValueParamName)); removeErr != nil {
		ginContext.JSON(http.StatusInternalServerError, gin.H{errorKey: removeErr.Error()})
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) classificationLists(ginContext *gin.Context) {
	snapshot := handler.store.Snapshot()
	ginContext.JSON(http.StatusOK, gin.H{
		string(classify.ListUnfollowers):       snapshot.Unfollowers,
		string(classify.ListNormalUnfollowers): snapshot.NormalUnfollowers,
		string(classify.ListDoNotFollow):       snapshot.DoNotFollowList,
	})
}

type listTransferRequest struct {
	Username    string `json:"username" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

func (handler apiHandler) transferUsername(ginContext *gin.Context) {
	var request listTransferRequest
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	if tagErr := handler.classifier.Tag(ginContext.Request.Context(), request.Username, classify.ListName(request.Destination)); tagErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: tagErr.Error()})
		return
	}
	ginContext.Status(http.StatusNoContent)
}

type listUntagRequest struct {
	Username string `json:"username" binding:"required"`
}

func (handler apiHandler) untagUsername(ginContext *gin.Context) {
	var request listUntagRequest
	if bindErr := ginContext.ShouldBindJSON(&request); bindErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: bindErr.Error()})
		return
	}
	if untagErr := handler.classifier.Untag(ginContext.Request.Context(), request.Username); untagErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: untagErr.Error()})
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler apiHandler) collectionStats(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, handler.store.Stats())
}

func (handler apiHandler) geocodePlaces(ginContext *gin.Context) {
	query := ginContext.Query(geocodeQueryParamName)
	if query == "" {
		ginContext.JSON(http.StatusBadRequest, gin.H{errorKey: errorMessageMissingQuery})
		return
	}
	if handler.geocoder == nil {
		ginContext.JSON(http.StatusOK, []contact.Place{})
		return
	}
	places, searchErr := handler.geocoder.Search(ginContext.Request.Context(), query)
	if searchErr != nil {
		// Best effort: an unavailable geocoder degrades to no candidates.
		handler.logger.Warn(logMessageGeocodeFailed, zap.Error(searchErr))
		ginContext.JSON(http.StatusOK, []contact.Place{})
		return
	}
	ginContext.JSON(http.StatusOK, places)
}

func (handler apiHandler) respondStoreError(ginContext *gin.Context, storeErr error) {
	if errors.Is(storeErr, store.ErrContactNotFound) || errors.Is(storeErr, store.ErrFieldNotFound) {
		ginContext.JSON(http.StatusNotFound, gin.H{errorKey: storeErr.Error()})
		return
	}
	ginContext.JSON(http.StatusInternalServerError, gin.H{errorKey: storeErr.Error()})
}
