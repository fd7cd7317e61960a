// Package gateway charges stored card credentials through the payment
// gateway's vault purchase program and classifies its output.
//
// The gateway SDK is only available for the JVM, so each charge runs the
// purchase program as a child process:
//
//	java -cp <classpath> ProdCanadaResPurchaseCC <order_id> <data_key> <amount> <cust_id>
//
// with the store credentials passed through MONERIS_STORE_ID and
// MONERIS_API_TOKEN. The program prints its receipt as "Key = Value"
// lines. A Classifier turns that output into an approved, card or system
// result. LegacyClassifier, the default, applies substring rules to the
// whole output. ReceiptClassifier reads the structured receipt's response
// code instead and falls back to LegacyClassifier when no receipt can be
// parsed. A process that exits non-zero is a system failure whatever it
// printed.
package gateway
