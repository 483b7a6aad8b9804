package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
)

// ValidationOptions опции для валидации OpenAPI
type ValidationOptions struct {
	MultiError            bool
	CustomSchemaErrorFunc func(error) string
}

// DefaultValidationOptions возвращает опции валидации по умолчанию
func DefaultValidationOptions() *ValidationOptions {
	return &ValidationOptions{MultiError: true}
}

// ValidationError структура ошибки валидации
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// OpenAPIValidator валидатор HTTP запросов по OpenAPI спецификации.
// Запросы к путям вне спецификации пропускаются без проверки.
type OpenAPIValidator struct {
	spec    *openapi3.T
	router  routers.Router
	options *ValidationOptions
}

// NewOpenAPIValidator загружает и проверяет спецификацию из памяти
func NewOpenAPIValidator(specData []byte, options *ValidationOptions) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()
	spec, err := loader.LoadFromData(specData)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := spec.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := legacy.NewRouter(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	if options == nil {
		options = DefaultValidationOptions()
	}
	return &OpenAPIValidator{spec: spec, router: router, options: options}, nil
}

// Middleware возвращает Gin middleware; невалидный запрос получает 400
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			// не описан в спецификации: маршрутизацию решает gin
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:     c.Request,
			PathParams:  pathParams,
			Route:       route,
			QueryParams: c.Request.URL.Query(),
			Options: &openapi3filter.Options{
				MultiError:         v.options.MultiError,
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"details": v.formatValidationError(err),
			})
			return
		}
		c.Next()
	}
}

// formatValidationError раскладывает MultiError на отдельные ошибки
func (v *OpenAPIValidator) formatValidationError(err error) []ValidationError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		result := make([]ValidationError, 0, len(multi))
		for _, e := range multi {
			result = append(result, v.single(e))
		}
		if !v.options.MultiError && len(result) > 1 {
			result = result[:1]
		}
		return result
	}
	return []ValidationError{v.single(err)}
}

func (v *OpenAPIValidator) single(err error) ValidationError {
	message := err.Error()
	if v.options.CustomSchemaErrorFunc != nil {
		message = v.options.CustomSchemaErrorFunc(err)
	}

	var field string
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		field = strings.Join(schemaErr.JSONPointer(), ".")
	}
	var reqErr *openapi3filter.RequestError
	if field == "" && errors.As(err, &reqErr) && reqErr.Parameter != nil {
		field = reqErr.Parameter.Name
	}
	return ValidationError{Field: field, Message: message}
}

// GetSpec возвращает загруженную OpenAPI спецификацию
func (v *OpenAPIValidator) GetSpec() *openapi3.T {
	return v.spec
}
