// Package resources holds the user-facing strings attached to operation
// results and progress reports.
package resources

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	ComputeSystemUnexpectedError   = "ComputeSystemUnexpectedError"
	ProviderUnexpectedError        = "ProviderUnexpectedError"
	OperationInProgress            = "OperationInProgress"
	NoImagesAvailable              = "NoImagesAvailable"
	InvalidImageIndex              = "InvalidImageIndex"
	DownloadOperationFailedHash    = "DownloadOperationFailedCheckingHash"
	DownloadProgress               = "DownloadProgress"
	ExtractionProgress             = "ExtractionProgress"
	CreationInProgress             = "CreationInProgress"
	OperationCanceled              = "OperationCanceled"
	OperationFailed                = "OperationFailed"
	ApplyConfigurationNotSupported = "ApplyConfigurationNotSupported"
)

var translations = map[language.Tag]map[string]string{
	language.English: {
		ComputeSystemUnexpectedError:   "An unexpected error occurred while communicating with %s",
		ProviderUnexpectedError:        "An unexpected error occurred while communicating with provider %s",
		OperationInProgress:            "An operation is already in progress",
		NoImagesAvailable:              "No virtual machine images are available in the gallery",
		InvalidImageIndex:              "Image %d is not in the gallery (%d images available)",
		DownloadOperationFailedHash:    "The download failed its integrity check",
		DownloadProgress:               "Downloading %s %s",
		ExtractionProgress:             "Extracting %s %s",
		CreationInProgress:             "Creating virtual machine %s",
		OperationCanceled:              "The operation was canceled",
		OperationFailed:                "The operation failed: %s",
		ApplyConfigurationNotSupported: "%s does not support applying configuration",
	},
	language.Spanish: {
		ComputeSystemUnexpectedError:   "Se produjo un error inesperado al comunicarse con %s",
		ProviderUnexpectedError:        "Se produjo un error inesperado al comunicarse con el proveedor %s",
		OperationInProgress:            "Ya hay una operación en curso",
		NoImagesAvailable:              "No hay imágenes de máquina virtual disponibles en la galería",
		InvalidImageIndex:              "La imagen %d no está en la galería (%d imágenes disponibles)",
		DownloadOperationFailedHash:    "La descarga no superó la comprobación de integridad",
		DownloadProgress:               "Descargando %s %s",
		ExtractionProgress:             "Extrayendo %s %s",
		CreationInProgress:             "Creando la máquina virtual %s",
		OperationCanceled:              "La operación se canceló",
		OperationFailed:                "La operación falló: %s",
		ApplyConfigurationNotSupported: "%s no admite aplicar configuración",
	},
}

var builder = newCatalog()

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, messages := range translations {
		for key, msg := range messages {
			if err := b.SetString(tag, key, msg); err != nil {
				panic("resources: invalid message " + key + ": " + err.Error())
			}
		}
	}
	return b
}

// Strings resolves message keys for one locale.
type Strings struct {
	printer *message.Printer
}

// New returns Strings for locale (a BCP 47 tag such as "en-US"). Unknown or
// unparsable locales fall back to English.
func New(locale string) *Strings {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	matched, _, _ := builder.Matcher().Match(tag)
	return &Strings{printer: message.NewPrinter(matched, message.Catalog(builder))}
}

// Default is the English string table.
var Default = New("en")

// Get formats the message for key with args.
func (s *Strings) Get(key string, args ...any) string {
	return s.printer.Sprintf(key, args...)
}
