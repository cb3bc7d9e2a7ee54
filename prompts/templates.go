package prompts

const summaryTemplate = `
Summarize the key information about the Homeowners Association and its board from page {{.page_num}} of the annual report.

IMPORTANT: If there is info indicating that the numbers are in thousands or millions, please convert them to actual numbers.


{{.page_content}}

Summary:
`

const loansTemplate = `
Extract and list any information about loans of the association from page {{.page_num}} of the annual report if and only if you find any loan information on that page.

Instructions:
1. Look for key terms such as financial institutions, loan amounts, interest rates, and loan terms (and their equivalents in Swedish).
2. If you find any loan information, provide a concise summary of the loans found.
3. If you do not find any loan-related information, you must return an empty string without any explanation.
4. If loan info is found, include an explanation of why you believe it is loan info.

IMPORTANT:
- Do not say "No loan information found" or any variant of this.
- Do not apologize or explain the absence of loan information.
- If you do not find loan information, your response must include the following substring "` + NotFoundMarker + `"
- "Fastighetsinteckning" is not loan-related

Page content:

{{.page_content}}
`

const comparisonTemplate = `
Return a JSON object of the form {"table": [[...], ...]} holding a 2D array of the loan information below. The first row must be the header row and the subsequent rows the loan information.

The header row is ["Loan institution", "Loan Amount"]

Match the loan info to the respective headers and return the information in the 2D array format.

If you do not find any loan-related info in the provided text, just return None. Do not make anything up; every value must actually appear in the supplied text.

IMPORTANT: Do not provide any example input or output, only the requested information if found.

Loan information:

{{.loan_info}}
`

const qaTemplate = `
PDF content:
{{.pdf_content}}

Previous conversation:
{{.history}}

New question: {{.question}}

Please answer the new question based on the PDF content and the context from the previous conversation if relevant.
`

const systemTemplate = `
You are a tool that extracts and summarizes key information from an annual report issued by a Homeowners Association (HoA).

Context:
HoAs regularly produce annual reports summarizing their activities, financial status and future plans. These documents matter to members, stakeholders and potential homebuyers but are often long and complex. Your purpose is to simplify this information when prompted by the user, making it more accessible.

When you need the report text, call the pdf_extractor tool with the path of the PDF file.
`
