// Package excel reads uploaded workbooks and writes result exports. Reads go
// through the streaming row iterator so sheet size never dictates memory use.
package excel
