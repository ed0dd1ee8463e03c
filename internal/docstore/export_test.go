package docstore

var Classify = classify

const PDFMimeType = pdfMimeType
