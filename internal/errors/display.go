package errors

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/viper"
)

// DisplayError formats and displays an error on stderr
func DisplayError(err error) {
	DisplayErrorTo(os.Stderr, err)
}

// DisplayErrorTo formats and displays an error with enhanced formatting
func DisplayErrorTo(w io.Writer, err error) {
	noColor := os.Getenv("NO_COLOR") != "" || os.Getenv("VAHTI_NO_COLOR") != ""

	// Also check viper configuration (set by --no-color flag)
	if viperNoColor := getViperBool("output.no_color"); viperNoColor {
		noColor = true
	}

	color.NoColor = noColor

	vahtiErr, ok := As(err)
	if !ok {
		fmt.Fprintf(w, "%s\n", color.RedString("Error: %v", err))
		return
	}

	colorFunc := getErrorStyle(vahtiErr.Type)

	fmt.Fprintf(w, "\n%s\n", colorFunc(vahtiErr.Message))

	cause := vahtiErr.Cause
	if cause == "" && vahtiErr.Err != nil {
		cause = vahtiErr.Err.Error()
	}
	if cause != "" {
		fmt.Fprintf(w, "   %s %s\n", color.YellowString("Cause:"), color.HiBlackString(cause))
	}

	if vahtiErr.Environment != "" {
		fmt.Fprintf(w, "   %s %s\n", color.CyanString("Environment:"), color.HiBlackString(vahtiErr.Environment))
	}

	if len(vahtiErr.Solutions) > 0 {
		fmt.Fprintf(w, "\n   %s\n", color.GreenString("Solutions:"))
		for i, solution := range vahtiErr.Solutions {
			fmt.Fprintf(w, "   %s %s\n", color.HiBlackString(fmt.Sprintf("%d.", i+1)), solution)
		}
	}

	if vahtiErr.Verify != "" {
		fmt.Fprintf(w, "\n   %s %s\n", color.BlueString("Verify:"), color.HiWhiteString(vahtiErr.Verify))
	}

	if vahtiErr.Help != "" {
		fmt.Fprintf(w, "   %s %s\n", color.MagentaString("Help:"), color.HiWhiteString(vahtiErr.Help))
	}

	fmt.Fprintln(w)
}

// getErrorStyle returns the appropriate color function for an error type
func getErrorStyle(errType ErrorType) func(format string, a ...interface{}) string {
	switch errType {
	case ErrorTypeConfiguration, ErrorTypeValidation:
		return color.YellowString
	case ErrorTypeCollectorUnavailable, ErrorTypeProvider:
		return color.CyanString
	case ErrorTypePersistence:
		return color.MagentaString
	case ErrorTypeConflict, ErrorTypeAlreadyTerminal, ErrorTypeAlreadyRunning:
		return color.YellowString
	default:
		return color.RedString
	}
}

// FormatErrorWithContext formats an error with additional context for CI/CD environments
func FormatErrorWithContext(err error, context map[string]string) string {
	var sb strings.Builder

	vahtiErr, ok := As(err)
	if !ok {
		sb.WriteString(fmt.Sprintf("Error: %v\n", err))
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("Error: %s\n", vahtiErr.Message))
	sb.WriteString(fmt.Sprintf("Type: %s/%s\n", vahtiErr.Type, vahtiErr.Component))

	if vahtiErr.Cause != "" {
		sb.WriteString(fmt.Sprintf("Cause: %s\n", vahtiErr.Cause))
	}

	if len(context) > 0 {
		sb.WriteString("\nContext:\n")
		for k, v := range context {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", k, v))
		}
	}

	if len(vahtiErr.Solutions) > 0 {
		sb.WriteString("\nSolutions:\n")
		for i, solution := range vahtiErr.Solutions {
			sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, solution))
		}
	}

	if vahtiErr.Verify != "" {
		sb.WriteString(fmt.Sprintf("\nVerify: %s\n", vahtiErr.Verify))
	}

	if vahtiErr.Help != "" {
		sb.WriteString(fmt.Sprintf("Help: %s\n", vahtiErr.Help))
	}

	return sb.String()
}

// DisplayWarning shows a warning message with appropriate formatting
func DisplayWarning(message string) {
	fmt.Fprintf(os.Stderr, "Warning: %s\n", color.YellowString(message))
}

// DisplaySuccess shows a success message with appropriate formatting
func DisplaySuccess(message string) {
	fmt.Fprintf(os.Stderr, "Success: %s\n", color.GreenString(message))
}

// getViperBool safely gets a boolean value from viper
func getViperBool(key string) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	return false
}
